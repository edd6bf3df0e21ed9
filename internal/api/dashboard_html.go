package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>shardbouncer</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--bg-card-hover:#1c2129;
  --border:#30363d;--text:#e1e4e8;--text-muted:#8b949e;
  --primary:#58a6ff;--green:#3fb950;--red:#f85149;--yellow:#d29922;
  --radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
button{cursor:pointer;font-family:inherit;font-size:inherit;background:var(--bg-card);color:var(--text);border:1px solid var(--border);border-radius:var(--radius);padding:4px 10px}
button:hover{background:var(--bg-card-hover)}
.container{max-width:1200px;margin:0 auto;padding:24px}
header{display:flex;justify-content:space-between;align-items:center;margin-bottom:24px}
h1{font-size:20px}
.muted{color:var(--text-muted);font-size:13px}
.card{background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);padding:16px;margin-bottom:16px}
.card h2{font-size:15px;margin-bottom:12px}
table{width:100%;border-collapse:collapse;font-size:13px}
th,td{text-align:left;padding:6px 10px;border-bottom:1px solid var(--border)}
th{color:var(--text-muted);font-weight:500}
.badge{display:inline-block;padding:1px 8px;border-radius:10px;font-size:11px}
.badge-ok{background:rgba(63,185,80,.15);color:var(--green)}
.badge-bad{background:rgba(248,81,73,.15);color:var(--red)}
.badge-warn{background:rgba(210,153,34,.15);color:var(--yellow)}
.actions button{margin-right:6px}
</style>
</head>
<body>
<div class="container">
<header>
  <h1>shardbouncer</h1>
  <span class="muted" id="uptime"></span>
</header>
<div id="clusters"></div>
</div>
<script>
async function fetchJSON(url, opts) {
  const r = await fetch(url, opts);
  if (!r.ok) throw new Error(url + ": " + r.status);
  return r.json();
}

function badge(ok, warnLabel) {
  if (warnLabel) return '<span class="badge badge-warn">' + warnLabel + '</span>';
  return ok ? '<span class="badge badge-ok">healthy</span>' : '<span class="badge badge-bad">banned</span>';
}

async function renderCluster(c) {
  const [shards, pools] = await Promise.all([
    fetchJSON('/clusters/' + c.name + '/shards'),
    fetchJSON('/clusters/' + c.name + '/pools'),
  ]);

  let shardRows = shards.map(s => {
    const replicas = (s.Replicas || []).map(r => r.Addr + ' ' + badge(!r.Banned)).join('<br>');
    return '<tr><td>' + s.ShardIndex + '</td><td>' + s.Primary.Addr + ' ' + badge(!s.Primary.Banned) +
      '</td><td>' + (replicas || '<span class="muted">none</span>') + '</td></tr>';
  }).join('');

  let poolRows = pools.map(p => {
    return '<tr><td>' + p.Key.Shard + '</td><td>' + p.Key.User + '</td><td>' + p.Key.Role + '</td>' +
      '<td>' + p.Active + '</td><td>' + p.Idle + '</td><td>' + p.Waiting + '</td><td>' + p.MaxConns + '</td></tr>';
  }).join('');

  return '<div class="card">' +
    '<h2>' + c.name + (c.paused ? ' <span class="badge badge-warn">paused</span>' : '') + '</h2>' +
    '<p class="muted">' + c.shards + ' shard(s) &middot; 2PC ' + c.two_phase_commit_mode +
    ' &middot; ' + c.in_doubt_transactions + ' in-doubt</p>' +
    '<table><thead><tr><th>shard</th><th>primary</th><th>replicas</th></tr></thead><tbody>' + shardRows + '</tbody></table>' +
    '<br>' +
    '<table><thead><tr><th>shard</th><th>user</th><th>role</th><th>active</th><th>idle</th><th>waiting</th><th>max</th></tr></thead><tbody>' + poolRows + '</tbody></table>' +
    '<div class="actions" style="margin-top:12px">' +
      '<button onclick="act(\'' + c.name + '\',\'pause\')">Pause</button>' +
      '<button onclick="act(\'' + c.name + '\',\'resume\')">Resume</button>' +
      '<button onclick="act(\'' + c.name + '\',\'reconnect\')">Reconnect</button>' +
    '</div>' +
    '</div>';
}

async function act(name, verb) {
  await fetchJSON('/clusters/' + name + '/' + verb, { method: 'POST' });
  refresh();
}
window.act = act;

async function refresh() {
  const status = await fetchJSON('/status');
  document.getElementById('uptime').textContent = 'uptime ' + status.uptime_seconds + 's';

  const clusters = await fetchJSON('/clusters');
  const html = await Promise.all(clusters.map(renderCluster));
  document.getElementById('clusters').innerHTML = html.join('') || '<p class="muted">no clusters configured</p>';
}

refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>`
