package webmonitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Video Relay Viewer</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { background: #111; color: #ddd; font-family: sans-serif; margin: 16px; }
        .mosaic img { max-width: 100%; image-rendering: pixelated; }
        table { border-collapse: collapse; margin-top: 12px; }
        td, th { padding: 2px 10px; text-align: left; }
    </style>
</head>
<body>
    <h2>Video Relay</h2>
    <div class="mosaic"><img src="/stream" alt="All peers"></div>
    <table>
        <thead><tr><th>Peer</th><th>Size</th><th>Frames</th><th>Last update</th></tr></thead>
        <tbody id="peers"></tbody>
    </table>
    <script>
        const rows = document.getElementById('peers');
        const events = new EventSource('/api/status/stream');
        events.onmessage = (e) => {
            const status = JSON.parse(e.data);
            rows.innerHTML = '';
            for (const p of status.peers || []) {
                const tr = document.createElement('tr');
                const link = '<a href="/stream/' + p.peer + '">' + p.peer + '</a>';
                tr.innerHTML = '<td>' + link + '</td><td>' + p.width + 'x' + p.height +
                    '</td><td>' + p.frames + '</td><td>' + new Date(p.last_update).toLocaleTimeString() + '</td>';
                rows.appendChild(tr);
            }
        };
    </script>
</body>
</html>
`
