package monitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>LMS Feed Viewer</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        :root { --bg: #111418; --panel: #1b2027; --text: #e6e6e6; --muted: #8a949e; --accent: #2e9bff; }
        body { margin: 0; font-family: system-ui, sans-serif; background: var(--bg); color: var(--text); }
        .app { max-width: 1400px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 16px; }
        .title { font-size: 1.4rem; font-weight: 600; }
        .badge { padding: 4px 10px; border-radius: 12px; background: #333; font-size: 0.85rem; }
        .badge.ok { background: #1f7a3a; }
        .badge.err { background: #8a1f1f; }
        .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; }
        .panel { background: var(--panel); border-radius: 8px; padding: 12px; }
        .panel h2 { margin: 0 0 4px; font-size: 1.1rem; }
        .panel-subtitle { margin: 0 0 8px; color: var(--muted); font-size: 0.85rem; }
        .panel img { width: 100%; background: #000; border-radius: 4px; }
        .pad { display: grid; grid-template-columns: repeat(3, 72px); grid-template-rows: repeat(3, 48px); gap: 6px; justify-content: center; }
        .pad button { background: #2a3340; color: var(--text); border: 0; border-radius: 6px; font-size: 0.9rem; cursor: pointer; user-select: none; }
        .pad button.active { background: var(--accent); }
        .pad .stop { background: #8a1f1f; }
        .stats { display: grid; grid-template-columns: repeat(4, 1fr); gap: 8px; margin-top: 8px; }
        .stat { background: #232a33; padding: 8px; border-radius: 6px; }
        .stat .label { color: var(--muted); font-size: 0.75rem; }
        .stat .value { font-size: 1.1rem; font-weight: 600; }
        #detections { font-family: monospace; font-size: 0.8rem; max-height: 160px; overflow-y: auto; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">LMS Feed Viewer</div>
            <span class="badge" id="camera-badge">Connecting...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Live Camera Feed</h2>
                <p class="panel-subtitle" id="camera-status">Connecting...</p>
                <img id="camera" src="/stream" alt="camera feed">
            </div>
            <div class="panel">
                <h2>AI Detection Results</h2>
                <p class="panel-subtitle" id="detection-status">Waiting for frames...</p>
                <img id="overlay" src="/overlay" alt="detection overlay">
            </div>
            <div class="panel">
                <h2>Control</h2>
                <p class="panel-subtitle" id="control-status">Hold a direction to move</p>
                <div class="pad">
                    <span></span><button data-dir="forward">Forward</button><span></span>
                    <button data-dir="left">Left</button><button data-dir="stop" class="stop">Stop</button><button data-dir="right">Right</button>
                    <span></span><button data-dir="backward">Backward</button><span></span>
                </div>
            </div>
            <div class="panel">
                <h2>Statistics</h2>
                <div class="stats">
                    <div class="stat"><div class="label">FPS</div><div class="value" id="stat-fps">0</div></div>
                    <div class="stat"><div class="label">Frames</div><div class="value" id="stat-frames">0</div></div>
                    <div class="stat"><div class="label">AI frames</div><div class="value" id="stat-processed">0</div></div>
                    <div class="stat"><div class="label">Objects</div><div class="value" id="stat-objects">0</div></div>
                </div>
                <div id="detections"></div>
            </div>
        </div>
    </div>

    <script>
        const el = (id) => document.getElementById(id);

        function applyStatus(s) {
            const v = s.viewer;
            el('camera-status').textContent = v.camera;
            el('camera-badge').textContent = v.camera;
            el('camera-badge').className = 'badge ' + (v.camera_state === 'open' ? 'ok' : 'err');
            el('detection-status').textContent = v.detection;
            el('stat-fps').textContent = s.monitor.current_fps.toFixed(1);
            el('stat-frames').textContent = v.frames_rendered;
            el('stat-processed').textContent = v.processed_frames;
            el('stat-objects').textContent = s.monitor.detection_count;
            const c = v.control;
            el('control-status').textContent = !c.enabled ? 'Control endpoint not configured'
                : c.active ? 'Sending ' + c.direction + ' (' + c.mode + ')' : 'Idle (' + c.mode + ')';
        }

        new EventSource('/api/status/stream').onmessage = (e) => applyStatus(JSON.parse(e.data));

        new EventSource('/api/detections/stream').onmessage = (e) => {
            const ev = JSON.parse(e.data);
            const lines = ev.detections.map((d) => d.class_name + ' ' + d.label +
                ' @ ' + d.bbox.x + ',' + d.bbox.y + ' ' + d.bbox.w + 'x' + d.bbox.h);
            el('detections').textContent = 'frame ' + ev.frame_number + ' (' + ev.latency_ms + ' ms)\n' + lines.join('\n');
        };

        function control(direction, action) {
            return fetch('/api/control', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify({ direction, action }),
            }).catch((err) => console.error('control', err));
        }

        document.querySelectorAll('.pad button').forEach((btn) => {
            const dir = btn.dataset.dir;
            const start = (e) => { e.preventDefault(); btn.classList.add('active'); control(dir, 'start'); };
            const stop = () => {
                if (!btn.classList.contains('active')) return;
                btn.classList.remove('active');
                control(dir, 'stop');
            };
            btn.addEventListener('mousedown', start);
            btn.addEventListener('touchstart', start);
            btn.addEventListener('mouseup', stop);
            btn.addEventListener('mouseleave', stop);
            btn.addEventListener('touchend', stop);
        });

        const keys = { w: 'forward', s: 'backward', a: 'left', d: 'right', ' ': 'stop' };
        let held = null;
        document.addEventListener('keydown', (e) => {
            const dir = keys[e.key];
            if (!dir || held === dir) return;
            held = dir;
            control(dir, 'start');
        });
        document.addEventListener('keyup', (e) => {
            if (keys[e.key] && keys[e.key] === held) {
                control(held, 'stop');
                held = null;
            }
        });
    </script>
</body>
</html>
`
