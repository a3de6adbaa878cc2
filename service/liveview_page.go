package service

import "html/template"

var liveViewTemplate = template.Must(template.New("liveview").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>pulseboard</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; background: #f7f7f5; color: #222; }
h1 { font-size: 1.3rem; }
#conn { font-weight: bold; }
#conn.offline { color: #b3261e; }
#conn.online { color: #1e7d32; }
table { border-collapse: collapse; margin-top: 1rem; }
th, td { border: 1px solid #ccc; padding: 0.4rem 0.8rem; text-align: left; font-size: 0.9rem; }
td.stale { color: #9a6700; }
td.error { color: #b3261e; }
pre { margin: 0; max-width: 32rem; overflow-x: auto; }
</style>
</head>
<body>
<h1>pulseboard <span id="conn"></span></h1>
<table>
<thead><tr><th>Query</th><th>Status</th><th>Source</th><th>Retrieved</th><th>Stale</th><th>Snapshot</th></tr></thead>
<tbody id="rows"></tbody>
</table>
<script>
async function tick() {
  try {
    const res = await fetch('/api/state');
    const doc = await res.json();
    const conn = document.getElementById('conn');
    conn.textContent = doc.online ? 'online' : 'offline';
    conn.className = doc.online ? 'online' : 'offline';
    const rows = document.getElementById('rows');
    rows.innerHTML = '';
    for (const q of doc.queries) {
      const tr = document.createElement('tr');
      const retrieved = q.snapshot ? q.snapshot.retrieved_at : '';
      const payload = q.snapshot ? JSON.stringify(q.snapshot.payload) : '';
      const cells = [q.query, q.status + (q.last_error ? ' (' + q.last_error + ')' : ''), q.source, retrieved, q.is_stale ? 'stale' : '', payload];
      cells.forEach((value, i) => {
        const td = document.createElement('td');
        if (i === 1 && q.status === 'error') td.className = 'error';
        if (i === 4 && q.is_stale) td.className = 'stale';
        if (i === 5) { const pre = document.createElement('pre'); pre.textContent = value; td.appendChild(pre); }
        else td.textContent = value;
        tr.appendChild(td);
      });
      rows.appendChild(tr);
    }
  } catch (err) {
    console.error(err);
  }
}
tick();
setInterval(tick, 2000);
</script>
</body>
</html>
`))
