package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Intellimail Insights</title>
  <style>
    :root {
      --ink: #17212b;
      --paper: #f4f6f8;
      --card: #ffffff;
      --line: #d5dde5;
      --pos: #2f9e63;
      --neu: #8a97a5;
      --neg: #c8463d;
      --accent: #2b6cb0;
      --muted: #6b7785;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Inter", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 1180px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }
    .controls { display: flex; flex-wrap: wrap; gap: 10px; align-items: end; }
    label { display: grid; gap: 4px; font-size: 0.8rem; color: var(--muted); }
    input, select, button {
      font: inherit;
      padding: 6px 8px;
      border: 1px solid var(--line);
      border-radius: 8px;
    }
    button { background: var(--accent); color: #fff; border: none; cursor: pointer; }
    .grid { display: grid; gap: 14px; grid-template-columns: 2fr 1fr; }
    h1 { margin: 0 0 10px; font-size: 1.4rem; }
    h2 { margin: 0 0 8px; font-size: 1rem; }
    .chart { display: flex; gap: 3px; align-items: end; height: 180px; }
    .col { flex: 1; display: flex; flex-direction: column-reverse; min-width: 4px; }
    .seg-positive { background: var(--pos); }
    .seg-neutral { background: var(--neu); }
    .seg-negative { background: var(--neg); }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 5px 6px; border-bottom: 1px solid var(--line); }
    .hot { color: var(--neg); font-weight: 600; }
    #statusMessage.err { color: var(--neg); }
    #statusMessage.ok { color: var(--pos); }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>Intellimail Insights</h1>
      <div class="controls">
        <label>Token <input id="token" type="password" size="32" /></label>
        <label>Owner <input id="owner" size="16" /></label>
        <label>Granularity
          <select id="granularity">
            <option value="hour">hour</option>
            <option value="day" selected>day</option>
            <option value="week">week</option>
          </select>
        </label>
        <label>From <input id="from" type="date" /></label>
        <label>To <input id="to" type="date" /></label>
        <button id="refresh">Refresh</button>
        <span id="statusMessage"></span>
      </div>
    </section>
    <section class="grid">
      <article class="panel">
        <h2>Sentiment over time</h2>
        <div id="chart" class="chart"></div>
      </article>
      <article class="panel">
        <h2>Categories</h2>
        <table><tbody id="categories"></tbody></table>
      </article>
    </section>
    <section class="panel">
      <h2>Recent results</h2>
      <table>
        <thead><tr><th>Computed</th><th>Message</th><th>Sentiment</th><th>Importance</th><th>Categories</th><th>Summary</th></tr></thead>
        <tbody id="results"></tbody>
      </table>
    </section>
  </main>
  <script>
    (function () {
      const $ = (id) => document.getElementById(id);
      const keys = { token: "intellimail_token", owner: "intellimail_owner" };

      function query() {
        const params = new URLSearchParams();
        if ($("from").value) params.set("from", $("from").value);
        if ($("to").value) params.set("to", $("to").value);
        return params;
      }

      async function request(path, params) {
        const token = $("token").value.trim();
        if (!token) throw new Error("missing token");
        const owner = encodeURIComponent($("owner").value.trim());
        const url = "/v1/owners/" + owner + path + "?" + params.toString();
        const response = await fetch(url, { headers: { "Authorization": "Bearer " + token } });
        const data = await response.json();
        if (!response.ok) throw new Error(response.status + " " + (data.code || "error") + ": " + (data.message || ""));
        return data;
      }

      function cell(row, text, cls) {
        const td = document.createElement("td");
        td.textContent = text;
        if (cls) td.className = cls;
        row.appendChild(td);
      }

      function renderChart(buckets) {
        const chart = $("chart");
        chart.innerHTML = "";
        const peak = Math.max(1, ...buckets.map((b) => b.total));
        buckets.forEach((b) => {
          const col = document.createElement("div");
          col.className = "col";
          col.title = b.bucketStart + ": " + b.total;
          ["positive", "neutral", "negative"].forEach((s) => {
            const n = (b.sentimentCounts || {})[s] || 0;
            const seg = document.createElement("div");
            seg.className = "seg-" + s;
            seg.style.height = (n / peak * 100) + "%";
            col.appendChild(seg);
          });
          chart.appendChild(col);
        });
      }

      function renderCategories(list) {
        const body = $("categories");
        body.innerHTML = "";
        list.forEach((c) => {
          const row = document.createElement("tr");
          cell(row, c.name);
          cell(row, String(c.count));
          body.appendChild(row);
        });
      }

      function renderResults(items) {
        const body = $("results");
        body.innerHTML = "";
        items.forEach((r) => {
          const row = document.createElement("tr");
          cell(row, new Date(r.computedAt || r.updatedAt).toLocaleString());
          cell(row, r.messageId);
          cell(row, r.sentiment || "-");
          cell(row, (r.importanceScore || 0).toFixed(2), r.importanceScore >= 0.7 ? "hot" : "");
          cell(row, (r.categories || []).join(", "));
          cell(row, r.summary || "");
          body.appendChild(row);
        });
      }

      async function refresh() {
        const status = $("statusMessage");
        status.textContent = "loading...";
        status.className = "";
        try {
          const agg = query();
          agg.set("granularity", $("granularity").value);
          const list = query();
          list.set("limit", "25");
          const [aggregates, categories, results] = await Promise.all([
            request("/aggregates", agg),
            request("/categories", query()),
            request("/results", list),
          ]);
          renderChart(aggregates.buckets || []);
          renderCategories(categories.categories || []);
          renderResults(results.items || []);
          window.localStorage.setItem(keys.token, $("token").value.trim());
          window.localStorage.setItem(keys.owner, $("owner").value.trim());
          status.textContent = "updated " + new Date().toLocaleTimeString();
          status.className = "ok";
        } catch (err) {
          status.textContent = String(err && err.message ? err.message : err);
          status.className = "err";
        }
      }

      $("token").value = window.localStorage.getItem(keys.token) || "";
      $("owner").value = window.localStorage.getItem(keys.owner) || "";
      $("refresh").addEventListener("click", refresh);
      if ($("token").value && $("owner").value) refresh();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(dashboardHTML))
}
