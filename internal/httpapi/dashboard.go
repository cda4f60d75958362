package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>INVENT Directory Sync</title>
  <style>
    :root {
      --ink: #0b2338;
      --paper: #f4f8fb;
      --card: #ffffff;
      --line: #c9d6e2;
      --accent: #1cabe2;
      --danger: #c2483f;
      --muted: #5d7283;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Segoe UI", "Helvetica Neue", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    header { display: flex; gap: 12px; align-items: center; flex-wrap: wrap; }
    h1 { font-size: 1.3rem; margin: 0 12px 0 0; }
    input { padding: 6px 8px; border: 1px solid var(--line); border-radius: 6px; min-width: 320px; }
    button { padding: 6px 12px; border: 0; border-radius: 6px; background: var(--accent); color: #fff; cursor: pointer; }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(320px, 1fr)); gap: 16px; margin-top: 16px; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 10px; padding: 14px; }
    .card h2 { font-size: 1rem; margin: 0 0 8px; }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 4px 6px; border-bottom: 1px solid var(--line); }
    pre { margin: 0; font-size: 0.8rem; white-space: pre-wrap; max-height: 320px; overflow: auto; }
    #status { color: var(--muted); font-size: 0.85rem; }
    #status.err { color: var(--danger); }
  </style>
</head>
<body>
  <header>
    <h1>Directory sync</h1>
    <input id="token" type="password" placeholder="bearer token (sync:read, sync:trigger)" />
    <button id="trigger">Queue sync</button>
    <span id="status">enter token to start</span>
  </header>
  <div class="grid">
    <section class="card"><h2>Status</h2><pre id="state">-</pre></section>
    <section class="card"><h2>Live events</h2><pre id="events"></pre></section>
    <section class="card" style="grid-column: 1 / -1">
      <h2>Recent runs</h2>
      <table>
        <thead><tr><th>Run</th><th>Trigger</th><th>Started</th><th>Stop</th><th>Pages</th><th>Processed</th><th>Created</th><th>Updated</th><th>Skipped</th><th>Failed</th></tr></thead>
        <tbody id="runs"></tbody>
      </table>
    </section>
  </div>
  <script>
    (() => {
      const dom = {
        token: document.getElementById("token"),
        trigger: document.getElementById("trigger"),
        status: document.getElementById("status"),
        state: document.getElementById("state"),
        events: document.getElementById("events"),
        runs: document.getElementById("runs"),
      };
      let socket = null;

      const setStatus = (text, err) => {
        dom.status.textContent = text;
        dom.status.className = err ? "err" : "";
      };
      const api = async (method, path, body) => {
        const resp = await fetch(path, {
          method,
          headers: { "Authorization": "Bearer " + dom.token.value, "Content-Type": "application/json" },
          body: body ? JSON.stringify(body) : undefined,
        });
        const data = await resp.json();
        if (!resp.ok) throw new Error(data.message || resp.statusText);
        return data;
      };
      const cell = (value) => {
        const td = document.createElement("td");
        td.textContent = value === undefined || value === null ? "" : String(value);
        return td;
      };
      const refresh = async () => {
        if (!dom.token.value) return;
        try {
          dom.state.textContent = JSON.stringify(await api("GET", "/v1/aad/sync/status"), null, 2);
          const { runs } = await api("GET", "/v1/aad/sync/runs?limit=20");
          dom.runs.replaceChildren(...runs.map((run) => {
            const tr = document.createElement("tr");
            [run.runId, run.trigger, run.startedAt, run.stopReason, run.pages, run.processed,
             run.created, run.updated, run.skipped, run.failed].forEach((v) => tr.appendChild(cell(v)));
            return tr;
          }));
          setStatus("updated " + new Date().toLocaleTimeString());
        } catch (err) {
          setStatus(err.message, true);
        }
      };
      const connect = () => {
        if (socket) socket.close();
        if (!dom.token.value) return;
        const scheme = location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + location.host + "/v1/aad/sync/stream?access_token=" + encodeURIComponent(dom.token.value));
        socket.onmessage = (msg) => {
          dom.events.textContent = msg.data + "\n" + dom.events.textContent.slice(0, 8000);
          refresh();
        };
      };

      dom.trigger.addEventListener("click", async () => {
        try {
          const resp = await api("PUT", "/v1/aad/users/sync", {});
          setStatus("queued job " + resp.jobId);
          refresh();
        } catch (err) {
          setStatus(err.message, true);
        }
      });
      dom.token.addEventListener("change", () => {
        window.sessionStorage.setItem("aadsync_dashboard_token", dom.token.value);
        refresh();
        connect();
      });

      dom.token.value = window.sessionStorage.getItem("aadsync_dashboard_token") || "";
      if (dom.token.value) {
        refresh();
        connect();
      }
      setInterval(refresh, 15000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
