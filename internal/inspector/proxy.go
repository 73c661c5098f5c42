// Package inspector exposes a stable DevTools endpoint that forwards to the
// debugger of whichever runtime host process is current.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// Proxy forwards DevTools websocket sessions to the current target.
type Proxy struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	target string

	srv *http.Server
}

// NewProxy returns a proxy with no target.
func NewProxy(logger zerolog.Logger) *Proxy {
	return &Proxy{logger: logger}
}

// SetTarget points new sessions at url. Sessions already open keep their
// upstream until it closes.
func (p *Proxy) SetTarget(url string) {
	p.mu.Lock()
	p.target = url
	p.mu.Unlock()
	p.logger.Debug().Str("target", url).Msg("inspector target updated")
}

// Target returns the current upstream debugger URL.
func (p *Proxy) Target() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target
}

// Handler serves the DevTools discovery endpoints and the websocket bridge.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", p.serveVersion)
	mux.HandleFunc("/json/list", p.serveList)
	mux.HandleFunc("/json", p.serveList)
	mux.HandleFunc("/ws", p.serveWS)
	return mux
}

// Serve accepts connections on ln until Close.
func (p *Proxy) Serve(ln net.Listener) error {
	p.mu.Lock()
	p.srv = &http.Server{Handler: p.Handler()}
	srv := p.srv
	p.mu.Unlock()
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close shuts the listener down and drops open sessions.
func (p *Proxy) Close() error {
	p.mu.RLock()
	srv := p.srv
	p.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

type targetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	Description          string `json:"description"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
}

func (p *Proxy) serveList(w http.ResponseWriter, r *http.Request) {
	ws := r.Host + "/ws"
	list := []targetInfo{{
		ID:                   "workerdev",
		Type:                 "node",
		Title:                "workerdev",
		Description:          "local worker runtime",
		URL:                  "file://",
		WebSocketDebuggerURL: "ws://" + ws,
		DevtoolsFrontendURL:  "devtools://devtools/bundled/js_app.html?experiments=true&v8only=true&ws=" + ws,
	}}
	writeJSON(w, list)
}

func (p *Proxy) serveVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":          "workerdev",
		"Protocol-Version": "1.3",
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (p *Proxy) serveWS(w http.ResponseWriter, r *http.Request) {
	target := p.Target()
	if target == "" {
		http.Error(w, "no debugger available yet", http.StatusServiceUnavailable)
		return
	}

	// DevTools connects from devtools:// and chrome-extension:// origins.
	client, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		p.logger.Debug().Err(err).Msg("inspector accept failed")
		return
	}
	defer func() { _ = client.CloseNow() }()
	client.SetReadLimit(-1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	upstream, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		p.logger.Warn().Err(err).Str("target", target).Msg("could not reach runtime host debugger")
		_ = client.Close(websocket.StatusInternalError, "debugger unavailable")
		return
	}
	defer func() { _ = upstream.CloseNow() }()
	upstream.SetReadLimit(-1)

	errc := make(chan error, 2)
	go func() { errc <- forward(ctx, upstream, client) }()
	go func() { errc <- forward(ctx, client, upstream) }()
	err = <-errc
	cancel()

	status := websocket.CloseStatus(err)
	if status == -1 {
		status = websocket.StatusGoingAway
	}
	_ = client.Close(status, "")
	_ = upstream.Close(status, "")
}

func forward(ctx context.Context, dst, src *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}
