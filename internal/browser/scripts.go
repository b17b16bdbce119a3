package browser

// bindingName is the CDP binding the in-page recorder calls to deliver
// events (chunks, track ends, errors, stop) to the Go side.
const bindingName = "__meetcapEmit"

// stealthScript hides the usual automation fingerprints. Injected on every
// new document before any page script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
window.chrome = window.chrome || { runtime: {} };
const origQuery = window.navigator.permissions.query.bind(window.navigator.permissions);
window.navigator.permissions.query = (parameters) => (
  parameters.name === 'notifications'
    ? Promise.resolve({ state: Notification.permission })
    : origQuery(parameters)
);
`

// recorderScript installs window.__meetRecorder before any page script runs,
// so the RTCPeerConnection hook sees every connection the page opens.
//
// Token discipline lives here: issueToken() mints a nonce into a private set
// and start(token) deletes it on first use, so a token works exactly once no
// matter how it reached the caller. The recorder mixes every remote audio
// track into one AudioContext destination and records that with a fixed
// timeslice, reporting each blob (base64), track ends, errors and its own
// stop through the __meetcapEmit binding.
const recorderScript = `
(() => {
  if (window.__meetRecorder) return;

  const tokens = new Set();
  const emit = (obj) => {
    try { window.` + bindingName + `(JSON.stringify(obj)); } catch (e) {}
  };

  let audioCtx = null;
  let destination = null;
  let recorder = null;
  const liveTracks = new Set();

  const mixTrack = (track) => {
    if (track.kind !== 'audio' || liveTracks.has(track.id)) return;
    liveTracks.add(track.id);
    const src = audioCtx.createMediaStreamSource(new MediaStream([track]));
    src.connect(destination);
    track.addEventListener('ended', () => {
      liveTracks.delete(track.id);
      emit({ kind: 'trackEnded' });
    });
  };

  const OrigRTC = window.RTCPeerConnection;
  const pending = [];
  window.RTCPeerConnection = function (...args) {
    const pc = new OrigRTC(...args);
    pc.addEventListener('track', (ev) => {
      if (audioCtx) { mixTrack(ev.track); } else { pending.push(ev.track); }
    });
    return pc;
  };
  window.RTCPeerConnection.prototype = OrigRTC.prototype;

  window.__meetRecorder = {
    issueToken() {
      const tok = crypto.randomUUID();
      tokens.add(tok);
      return tok;
    },

    start(token, timesliceMs) {
      if (!tokens.delete(token)) {
        return JSON.stringify({ ok: false, error: 'capture token invalid or already consumed' });
      }
      if (recorder) {
        return JSON.stringify({ ok: false, error: 'already recording' });
      }

      audioCtx = new AudioContext();
      destination = audioCtx.createMediaStreamDestination();
      while (pending.length) mixTrack(pending.shift());

      const tracks = liveTracks.size;
      if (tracks === 0) {
        return JSON.stringify({ ok: true, tracks: 0, mime: '' });
      }

      let mime = 'audio/webm;codecs=opus';
      if (!MediaRecorder.isTypeSupported(mime)) mime = 'audio/webm';

      recorder = new MediaRecorder(destination.stream, { mimeType: mime });
      // Blob reads are async, so chunk emission and the stopped notification
      // are chained on one promise: the final flush after stop() always
      // reaches the binding before recorderStopped does.
      let emitChain = Promise.resolve();
      const readChunk = (blob) => new Promise((resolve) => {
        const reader = new FileReader();
        reader.onloadend = () => resolve(String(reader.result).split(',')[1] || '');
        reader.onerror = () => resolve('');
        reader.readAsDataURL(blob);
      });
      recorder.ondataavailable = (ev) => {
        const blob = ev.data;
        emitChain = emitChain
          .then(() => readChunk(blob))
          .then((b64) => emit({ kind: 'chunk', data: b64, size: blob.size }));
      };
      recorder.onerror = (ev) => {
        emit({ kind: 'recorderError', error: String(ev.error || 'recorder error') });
      };
      recorder.onstop = () => {
        emitChain = emitChain.then(() => emit({ kind: 'recorderStopped' }));
        recorder = null;
      };
      recorder.start(timesliceMs);

      return JSON.stringify({ ok: true, tracks: tracks, mime: mime });
    },

    stop() {
      if (recorder && recorder.state !== 'inactive') recorder.stop();
      return true;
    },

    release() {
      for (const id of liveTracks) liveTracks.delete(id);
      if (audioCtx) { audioCtx.close().catch(() => {}); audioCtx = null; destination = null; }
      return true;
    },

    status() {
      return JSON.stringify({
        isRecording: !!recorder && recorder.state === 'recording',
        connectedTracks: liveTracks.size,
      });
    },
  };
})();
`

// detectPreJoinScript reports whether the pre-join screen is showing.
const detectPreJoinScript = `
(() => {
  const joinWords = ['join now', 'ask to join', 'switch here'];
  const buttons = Array.from(document.querySelectorAll('button'));
  return buttons.some(b => joinWords.some(w => (b.textContent || '').toLowerCase().includes(w)));
})()
`

// disableMediaScript turns the mic and camera off on the pre-join screen.
// Returns how many toggle buttons it clicked.
const disableMediaScript = `
(() => {
  let clicked = 0;
  for (const sel of ['[aria-label*="microphone" i]', '[aria-label*="camera" i]']) {
    for (const el of document.querySelectorAll(sel)) {
      const label = (el.getAttribute('aria-label') || '').toLowerCase();
      if (label.includes('turn off')) { el.click(); clicked++; }
    }
  }
  return clicked;
})()
`

// dismissPopupsScript closes the dialogs Meet layers over the pre-join and
// in-call UI (device permissions hints, "got it" tours). Returns how many
// were dismissed.
const dismissPopupsScript = `
(() => {
  let dismissed = 0;
  const dismissWords = ['got it', 'dismiss', 'no thanks', 'continue without'];
  for (const b of document.querySelectorAll('button')) {
    const text = (b.textContent || '').toLowerCase();
    if (dismissWords.some(w => text.includes(w))) { b.click(); dismissed++; }
  }
  return dismissed;
})()
`

// setNameScript fills the guest-name input when present.
const setNameScript = `
((name) => {
  const input = document.querySelector('input[placeholder*="name" i], input[aria-label*="name" i]');
  if (!input) return false;
  const setter = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value').set;
  setter.call(input, name);
  input.dispatchEvent(new Event('input', { bubbles: true }));
  return true;
})
`

// clickJoinScript presses the join button. Returns true when a button was found.
const clickJoinScript = `
(() => {
  const joinWords = ['join now', 'ask to join', 'switch here'];
  for (const b of document.querySelectorAll('button')) {
    const text = (b.textContent || '').toLowerCase();
    if (joinWords.some(w => text.includes(w))) { b.click(); return true; }
  }
  return false;
})()
`

// detectInCallScript reports whether we are inside the call proper.
const detectInCallScript = `
(() => {
  return !!document.querySelector('[aria-label*="leave call" i], [data-is-muted]');
})()
`

// detectEndScript reports whether the call has ended or we were removed.
const detectEndScript = `
(() => {
  const text = (document.body.innerText || '').toLowerCase();
  const endPhrases = ['you left the meeting', "you've been removed", 'return to home screen', 'meeting ended'];
  return endPhrases.some(p => text.includes(p));
})()
`
