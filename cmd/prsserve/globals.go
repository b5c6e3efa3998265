package main

import (
	"context"
	"errors"
	"sync"

	"github.com/carbocation/polyrisk/catalog"
	"github.com/carbocation/polyrisk/prs"
	"github.com/carbocation/polyrisk/scheduler"
	"github.com/carbocation/polyrisk/versionmgr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var errNoSession = errors.New("no precomputation has been started")

// Global holds what every handler shares. The catalog handle is replaced only
// after an update; a session keeps the handle it started with for as long as
// it is the current session, finished or not, because GetResult may still
// read from it.
type Global struct {
	log      *zap.Logger
	sched    *scheduler.Scheduler
	mgr      *versionmgr.Manager
	registry *prometheus.Registry

	m       sync.RWMutex
	store   *catalog.Store
	session *scheduler.Session
	// sessionStore is the handle session was started on. It differs from
	// store after an update.
	sessionStore *catalog.Store
}

func (g *Global) Store() *catalog.Store {
	g.m.RLock()
	defer g.m.RUnlock()

	return g.store
}

func (g *Global) Session() (*scheduler.Session, error) {
	g.m.RLock()
	defer g.m.RUnlock()

	if g.session == nil {
		return nil, errNoSession
	}
	return g.session, nil
}

// StartSession cancels any running session and starts a new one for ix on
// the current catalog. The previous session's catalog is closed once that
// session has stopped, unless something still uses it.
func (g *Global) StartSession(ix prs.Genotypes) (*scheduler.Session, error) {
	g.m.Lock()
	ss, err := g.sched.Start(context.Background(), ix, g.store)
	if err != nil {
		g.m.Unlock()
		return nil, err
	}
	prev, prevStore := g.session, g.sessionStore
	g.session, g.sessionStore = ss, g.store
	// A handle that is neither serving nor in use by ss belongs to prev alone
	retire := prevStore != nil && prevStore != g.store
	g.m.Unlock()

	if prev == nil {
		return ss, nil
	}

	prev.Cancel()
	if retire {
		go func() {
			prev.Wait(context.Background())
			g.closeStore(prevStore)
		}()
	}

	return ss, nil
}

// SwapStore installs a freshly opened catalog for new sessions and searches.
// The previous handle is closed now unless the current session was started
// on it; in that case it is closed when the session is replaced or at Close.
func (g *Global) SwapStore(store *catalog.Store) {
	g.m.Lock()
	prev := g.store
	g.store = store
	inUse := prev == g.sessionStore
	g.m.Unlock()

	if prev != nil && prev != store && !inUse {
		g.closeStore(prev)
	}
}

func (g *Global) closeStore(s *catalog.Store) {
	if err := s.Close(); err != nil {
		g.log.Warn("Could not close catalog", zap.String("version", s.Version()), zap.Error(err))
	}
}

// Close cancels the session and releases every catalog handle.
func (g *Global) Close() {
	g.m.Lock()
	ss, sessionStore, store := g.session, g.sessionStore, g.store
	g.session, g.sessionStore, g.store = nil, nil, nil
	g.m.Unlock()

	if ss != nil {
		ss.Cancel()
		ss.Wait(context.Background())
	}
	if sessionStore != nil && sessionStore != store {
		g.closeStore(sessionStore)
	}
	if store != nil {
		g.closeStore(store)
	}
}
