package server

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Live Camera</title>
<style>
body {
  margin: 0;
  padding: 20px;
  font-family: sans-serif;
  background: #1f2937;
  color: #f9fafb;
  text-align: center;
}
#viewer {
  max-width: 1280px;
  margin: 0 auto;
  background: #000;
  border-radius: 8px;
  overflow: hidden;
}
#stream {
  width: 100%;
  display: block;
}
.controls button {
  margin: 15px 5px;
  padding: 10px 24px;
  border: none;
  border-radius: 20px;
  background: #4f46e5;
  color: #fff;
  font-size: 15px;
  cursor: pointer;
}
table {
  margin: 10px auto;
  border-spacing: 15px 5px;
}
th {
  text-align: right;
  color: #9ca3af;
}
td {
  text-align: left;
}
</style>
</head>
<body>
<h1>Live Camera</h1>
<div id="viewer">
<img id="stream" src="/stream.mjpeg" alt="live stream">
</div>
<div class="controls">
<button onclick="reloadStream()">Reload</button>
<button onclick="takeSnapshot()">Snapshot</button>
<button onclick="toggleFullscreen()">Fullscreen</button>
</div>
<table>
<tr><th>State</th><td id="state">-</td></tr>
<tr><th>Quality</th><td id="quality">-</td></tr>
<tr><th>Resolution</th><td id="resolution">-</td></tr>
</table>
<script>
function reloadStream() {
  document.getElementById('stream').src = '/stream.mjpeg?t=' + Date.now();
}

function takeSnapshot() {
  window.open('/snapshot.jpg', '_blank');
}

function toggleFullscreen() {
  var img = document.getElementById('stream');
  if (document.fullscreenElement) {
    document.exitFullscreen();
  } else if (img.requestFullscreen) {
    img.requestFullscreen();
  }
}

function updateStatus() {
  fetch('/status')
    .then(function (r) { return r.json(); })
    .then(function (s) {
      document.getElementById('state').textContent = s.streaming ? 'live' : 'waiting for camera';
      document.getElementById('quality').textContent = s.quality;
      document.getElementById('resolution').textContent = s.resolution;
    })
    .catch(function () {
      document.getElementById('state').textContent = 'offline';
    });
}

updateStatus();
setInterval(updateStatus, 5000);
</script>
</body>
</html>
`
