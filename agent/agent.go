package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/hwgprojects/schlopping/internal/awareness"
	"github.com/hwgprojects/schlopping/internal/config"
	"github.com/hwgprojects/schlopping/internal/crdt"
	"github.com/hwgprojects/schlopping/internal/httplog"
	"github.com/hwgprojects/schlopping/internal/profile"
	"github.com/hwgprojects/schlopping/internal/rendezvous"
	"github.com/hwgprojects/schlopping/internal/session"
)

// agent bridges the session manager to the browser UI.
type agent struct {
	cfg      config.Config
	manager  *session.Manager
	profiles *profile.Store
	ui       *Hub
	log      zerolog.Logger

	mu          sync.Mutex
	view        Snapshot
	unsubscribe []func()
}

func newAgent(cfg config.Config, profiles *profile.Store, log zerolog.Logger) (*agent, error) {
	p, err := profiles.Load()
	if err != nil {
		return nil, err
	}
	dialers, err := rendezvous.ParseEndpoints(cfg.Signaling, log)
	if err != nil {
		return nil, err
	}
	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	log.Info().Str("advertise", sessionCfg.AdvertiseURL).Msg("peer endpoint")
	a := &agent{
		cfg:      cfg,
		profiles: profiles,
		log:      log,
		manager:  session.NewManager(sessionCfg, dialers, p, log),
		view: Snapshot{
			Type:     "snapshot",
			Status:   session.StatusDisconnected,
			Profile:  p,
			Colors:   profile.Palette,
			Items:    []crdt.Record{},
			Presence: []awareness.Entry{},
		},
	}
	a.ui = newHub(a.apply, log)
	return a, nil
}

// start runs the UI hub and mirrors manager state into snapshots.
func (a *agent) start(ctx context.Context) {
	go a.ui.run(ctx)
	a.unsubscribe = []func(){
		a.manager.SubscribeRecords(func(recs []crdt.Record) {
			a.update(func(v *Snapshot) { v.Items = recs })
		}),
		a.manager.SubscribePresence(func(entries []awareness.Entry) {
			a.update(func(v *Snapshot) { v.Presence = entries })
		}),
		a.manager.SubscribeState(func(s session.State) {
			a.update(func(v *Snapshot) {
				v.Status = s.Status()
				v.Room = a.manager.Room()
				v.Peer = a.manager.Peer()
			})
		}),
	}
}

func (a *agent) close() error {
	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}
	return a.manager.Close()
}

func (a *agent) update(fn func(*Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.view)
	b, err := json.Marshal(a.view)
	if err != nil {
		a.log.Error().Err(err).Msg("encode snapshot")
		return
	}
	a.ui.Broadcast(b)
}

func (a *agent) snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view
}

// apply executes one UI request.
func (a *agent) apply(ctx context.Context, op Op) error {
	m := a.manager
	switch op.Action {
	case ActionAdd:
		_, err := m.Append(ctx, *op.Record)
		return err
	case ActionInsert:
		_, err := m.Insert(ctx, op.After, *op.Record)
		return err
	case ActionUpdate:
		return m.Update(ctx, op.ID, *op.Patch)
	case ActionRemove:
		return m.Remove(ctx, op.ID)
	case ActionClearCompleted:
		_, err := m.ClearCompleted(ctx)
		return err
	case ActionProfile:
		return a.setProfile(ctx, op.Name, op.ColorID)
	case ActionJoin:
		return m.Join(ctx, op.Room)
	case ActionLeave:
		return m.Leave(ctx)
	}
	return ErrBadOp
}

func (a *agent) setProfile(ctx context.Context, name, colorID *string) error {
	p := a.manager.Profile()
	if name != nil {
		p = p.Rename(*name)
	}
	if colorID != nil {
		var err error
		if p, err = p.Recolor(*colorID); err != nil {
			return err
		}
	}
	if err := a.profiles.Save(p); err != nil {
		return err
	}
	if err := a.manager.SetProfile(ctx, p); err != nil {
		return err
	}
	a.update(func(v *Snapshot) { v.Profile = p })
	return nil
}

func (a *agent) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(httplog.Middleware(a.log))
	r.Handle(config.PeerPath, a.manager.PeerHandler())
	r.Handle("/ws", a.ui)
	r.Methods(http.MethodGet).Path("/api/snapshot").HandlerFunc(a.serveSnapshot)
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(a.cfg.UIDir)))
	return r
}

func (a *agent) serveSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.snapshot()); err != nil {
		a.log.Debug().Err(err).Msg("write snapshot")
	}
}
