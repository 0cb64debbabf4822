package server

import (
	"encoding/json"
	"strings"

	"github.com/loykin/deskhost/internal/window"
)

const bridgeScriptTemplate = `(function () {
  if (window.api) { return; }
  var base = __BASE__;
  var readyEvent = __READY__;
  var ipc = typeof window[__STATUS__] === "function";

  function call(method, path) {
    return fetch(base + path, { method: method }).then(function (res) {
      return res.json().then(function (body) {
        if (!res.ok) { throw new Error(body.error || res.statusText); }
        return body;
      });
    });
  }

  var listeners = [];
  window.addEventListener(readyEvent, function () {
    listeners.slice().forEach(function (cb) {
      try { cb(); } catch (e) { console.error(e); }
    });
  });
  if (!ipc && typeof EventSource === "function") {
    var es = new EventSource(base + "/events?types=backend-ready");
    es.addEventListener("backend-ready", function () {
      window.dispatchEvent(new Event(readyEvent));
    });
  }

  window.api = Object.freeze({
    getBackendStatus: function () {
      return ipc ? window[__STATUS__]() : call("GET", "/backend/status");
    },
    restartBackend: function () {
      return ipc ? window[__RESTART__]() : call("POST", "/backend/restart");
    },
    openFileDialog: function () {
      return ipc ? window[__OPEN__]() : call("POST", "/dialog/open-file");
    },
    onBackendReady: function (cb) {
      if (typeof cb === "function") { listeners.push(cb); }
    }
  });
})();
`

// BridgeScript renders the UI shim for an API mounted at basePath. Inside
// the application window it calls the bound functions; in a plain browser
// it falls back to fetch and EventSource.
func BridgeScript(basePath string) string {
	r := strings.NewReplacer(
		"__BASE__", jsString(sanitizeBase(basePath)),
		"__READY__", jsString(window.ReadyDOMEvent),
		"__STATUS__", jsString(window.BindGetBackendStatus),
		"__RESTART__", jsString(window.BindRestartBackend),
		"__OPEN__", jsString(window.BindOpenFileDialog),
	)
	return r.Replace(bridgeScriptTemplate)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
