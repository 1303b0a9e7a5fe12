package main

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	statusJSONTTL        = time.Second
	statusJournalDefault = 20
	statusJournalMax     = 200
)

// proxyStatus is the /status document.
type proxyStatus struct {
	Uptime        string             `json:"uptime"`
	StartedAt     time.Time          `json:"started_at"`
	PoolAddr      string             `json:"pool_addr"`
	PoolConnected bool               `json:"pool_connected"`
	Transport     string             `json:"transport,omitempty"`
	Poisoned      bool               `json:"negotiator_poisoned,omitempty"`
	Sessions      uint64             `json:"sessions"`
	LastError     string             `json:"last_session_error,omitempty"`
	LastErrorAt   time.Time          `json:"last_session_error_at,omitempty"`
	Negotiator    *negotiatorStatus  `json:"negotiator,omitempty"`
	RoundAge      string             `json:"round_age,omitempty"`
	Template      templateFeedStatus `json:"template"`
	RecentRounds  []journalRoundView `json:"recent_rounds,omitempty"`
}

type journalRoundView struct {
	RequestID  uint32    `json:"request_id"`
	Token      string    `json:"token"`
	TemplateID uint64    `json:"template_id"`
	Height     int64     `json:"height"`
	TxCount    int       `json:"tx_count"`
	Outcome    string    `json:"outcome"`
	ErrorCode  string    `json:"error_code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type statusFeed interface {
	Status() templateFeedStatus
}

type cachedStatusJSON struct {
	payload   []byte
	expiresAt time.Time
}

// statusServer serves /status and /metrics. The pool session loop swaps the
// active envelope in and out as sessions come and go.
type statusServer struct {
	cfg       Config
	feed      statusFeed
	journal   *negotiationJournal
	metrics   *proxyMetrics
	startedAt time.Time

	mu          sync.Mutex
	env         *negotiatorEnvelope
	transport   string
	sessions    uint64
	lastErr     string
	lastErrAt   time.Time
	cache       map[string]cachedStatusJSON
	now         func() time.Time
	journalRows int
}

func newStatusServer(cfg Config, feed statusFeed, journal *negotiationJournal, metrics *proxyMetrics) *statusServer {
	return &statusServer{
		cfg:         cfg,
		feed:        feed,
		journal:     journal,
		metrics:     metrics,
		startedAt:   time.Now(),
		cache:       make(map[string]cachedStatusJSON),
		now:         time.Now,
		journalRows: statusJournalDefault,
	}
}

func (s *statusServer) sessionStarted(env *negotiatorEnvelope, transport string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = env
	s.transport = transport
	s.sessions++
	s.cache = make(map[string]cachedStatusJSON)
}

func (s *statusServer) sessionEnded(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env = nil
	s.transport = ""
	if err != nil {
		s.lastErr = err.Error()
		s.lastErrAt = s.now()
	}
	s.cache = make(map[string]cachedStatusJSON)
}

func (s *statusServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatusJSON)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func (s *statusServer) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := s.journalRows
	if l := strings.TrimSpace(r.URL.Query().Get("rounds")); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n >= 0 && n <= statusJournalMax {
			limit = n
		}
	}
	key := "status_" + strconv.Itoa(limit)
	payload, err := s.cachedJSON(key, func() ([]byte, error) {
		return fastJSONMarshal(s.snapshot(limit))
	})
	if err != nil {
		logger.Error("status json error", "component", "http", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(payload); err != nil {
		logger.Error("write status json", "component", "http", "error", err)
	}
}

func (s *statusServer) cachedJSON(key string, build func() ([]byte, error)) ([]byte, error) {
	now := s.now()
	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.payload, nil
	}
	payload, err := build()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[key] = cachedStatusJSON{payload: payload, expiresAt: now.Add(statusJSONTTL)}
	s.mu.Unlock()
	return payload, nil
}

func (s *statusServer) snapshot(journalLimit int) proxyStatus {
	s.mu.Lock()
	env := s.env
	st := proxyStatus{
		Uptime:      humanDuration(s.now().Sub(s.startedAt)),
		StartedAt:   s.startedAt.UTC(),
		PoolAddr:    s.cfg.PoolAddr,
		Sessions:    s.sessions,
		Transport:   s.transport,
		LastError:   s.lastErr,
		LastErrorAt: s.lastErrAt,
	}
	s.mu.Unlock()

	if env != nil {
		ns, err := env.Status()
		switch {
		case err == nil:
			st.PoolConnected = true
			st.Negotiator = &ns
			st.RoundAge = humanDuration(ns.RoundAge)
		case env.Poisoned():
			st.Poisoned = true
		}
	}
	if s.feed != nil {
		st.Template = s.feed.Status()
	}
	if journalLimit > 0 {
		rows, err := s.journal.Recent(journalLimit)
		if err != nil {
			logger.Warn("read negotiation journal", "component", "http", "error", err)
		}
		for _, r := range rows {
			st.RecentRounds = append(st.RecentRounds, r.view())
		}
	}
	return st
}

func (r journalRound) view() journalRoundView {
	return journalRoundView{
		RequestID:  r.RequestID,
		Token:      r.Token,
		TemplateID: r.TemplateID,
		Height:     r.Height,
		TxCount:    r.TxCount,
		Outcome:    r.Outcome,
		ErrorCode:  r.ErrorCode,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
