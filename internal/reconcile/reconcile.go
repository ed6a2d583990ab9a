// Package reconcile sweeps the registry for drift between the canonical
// conversation records and their denormalized copies.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"portalchat/pkg/config"
	"portalchat/pkg/logger"
	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
	"portalchat/pkg/telemetry"
	"portalchat/pkg/timeutil"
)

var (
	orphanedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portalchat_reconcile_orphaned_conversations",
		Help: "Private conversations the pair index does not point at, as of the last sweep.",
	})
	missingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portalchat_reconcile_missing_directory_entries",
		Help: "Member directory entries missing for registry records, as of the last sweep.",
	})
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portalchat_reconcile_runs_total",
		Help: "Reconcile sweeps by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(orphanedGauge)
	prometheus.MustRegister(missingGauge)
	prometheus.MustRegister(runsTotal)
}

var ErrRunning = errors.New("reconcile already running")

// Tree is the store access the sweep needs.
type Tree interface {
	Get(ctx context.Context, path string) (realtime.Snapshot, error)
	Children(ctx context.Context, path string) ([]string, error)
	Update(ctx context.Context, updates realtime.Updates) error
	UpdateIf(ctx context.Context, conds []realtime.Precondition, updates realtime.Updates) error
}

// MissingEntry is a member without a directory copy of a conversation.
type MissingEntry struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// Report summarizes one sweep.
type Report struct {
	RunID           string         `json:"runId"`
	Conversations   int            `json:"conversations"`
	Invalid         []string       `json:"invalid,omitempty"`
	Orphaned        []string       `json:"orphaned,omitempty"`
	MissingPairs    []string       `json:"missingPairs,omitempty"`
	MissingEntries  []MissingEntry `json:"missingEntries,omitempty"`
	Repaired        int            `json:"repaired"`
	DurationMS      int64          `json:"durationMs"`
	RepairAttempted bool           `json:"repairAttempted"`
}

type Manager struct {
	cfg  config.ReconcileConfig
	tree Tree

	mu      sync.Mutex
	running bool
	last    *Report
}

func New(cfg config.ReconcileConfig, tree Tree) *Manager {
	return &Manager{cfg: cfg, tree: tree}
}

// Start runs the sweep on the configured cron until ctx is done.
func (m *Manager) Start(ctx context.Context) (context.CancelFunc, error) {
	if !m.cfg.Enabled {
		logger.Info("reconcile_disabled")
		return func() {}, nil
	}
	if !gronx.New().IsValid(m.cfg.Cron) {
		return nil, fmt.Errorf("invalid reconcile cron %q", m.cfg.Cron)
	}
	ctx2, cancel := context.WithCancel(ctx)
	logger.Info("reconcile_enabled", "cron", m.cfg.Cron, "repair", m.cfg.Repair)
	go m.scheduleLoop(ctx2)
	return cancel, nil
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(m.cfg.Cron, timeutil.Now(), false)
		if err != nil {
			logger.Error("reconcile_nexttick_failed", "cron", m.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if _, err := m.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunning) {
				logger.Error("reconcile_run_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Last returns the report of the latest completed sweep.
func (m *Manager) Last() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}

// RunOnce sweeps now. Only one sweep runs at a time.
func (m *Manager) RunOnce(ctx context.Context) (any, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, ErrRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	rep, err := m.sweep(ctx)
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	runsTotal.WithLabelValues("ok").Inc()
	orphanedGauge.Set(float64(len(rep.Orphaned)))
	missingGauge.Set(float64(len(rep.MissingEntries)))

	m.mu.Lock()
	m.last = &rep
	m.mu.Unlock()
	return rep, nil
}

func (m *Manager) sweep(ctx context.Context) (Report, error) {
	tr := telemetry.Track("reconcile.sweep")
	defer tr.Finish()
	start := timeutil.Now()
	rep := Report{RunID: uuid.NewString(), RepairAttempted: m.cfg.Repair}
	logger.Info("reconcile_run_start", "run_id", rep.RunID)

	ids, err := m.tree.Children(ctx, models.RootConversations)
	if err != nil {
		return rep, fmt.Errorf("list conversations: %w", err)
	}
	tr.Mark("list")

	repairs := realtime.Updates{}
	for _, cid := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		conv, ok, err := m.readConversation(ctx, cid)
		if err != nil {
			return rep, err
		}
		rep.Conversations++
		if !ok {
			rep.Invalid = append(rep.Invalid, cid)
			continue
		}

		if conv.Type == models.ConversationPrivate {
			if err := m.checkPair(ctx, conv, &rep); err != nil {
				return rep, err
			}
		}
		for _, member := range conv.Members {
			snap, err := m.tree.Get(ctx, models.UserConversationPath(member, cid)+"/id")
			if err != nil {
				return rep, fmt.Errorf("read directory of %s: %w", member, err)
			}
			if snap.Exists {
				continue
			}
			rep.MissingEntries = append(rep.MissingEntries, MissingEntry{UserID: member, ConversationID: cid})
			entry, err := m.directoryEntry(ctx, conv, member)
			if err != nil {
				return rep, err
			}
			repairs[models.UserConversationPath(member, cid)] = entry
		}
	}
	tr.Mark("scan")

	if m.cfg.Repair && len(repairs) > 0 {
		if err := m.tree.Update(ctx, repairs); err != nil {
			return rep, fmt.Errorf("repair directory entries: %w", err)
		}
		rep.Repaired = len(repairs)
	}

	rep.DurationMS = timeutil.Now().Sub(start).Milliseconds()
	logger.Info("reconcile_run_done", "run_id", rep.RunID,
		"conversations", rep.Conversations,
		"invalid", len(rep.Invalid),
		"orphaned", len(rep.Orphaned),
		"missing_entries", len(rep.MissingEntries),
		"repaired", rep.Repaired)
	return rep, nil
}

func (m *Manager) readConversation(ctx context.Context, cid string) (models.Conversation, bool, error) {
	snap, err := m.tree.Get(ctx, models.ConversationPath(cid))
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("read conversation %s: %w", cid, err)
	}
	var conv models.Conversation
	if err := snap.Decode(&conv); err != nil {
		logger.Warn("reconcile_undecodable_record", "conversation", cid, "error", err)
		return models.Conversation{}, false, nil
	}
	if conv.ID == "" {
		conv.ID = cid
	}
	if err := conv.Validate(); err != nil {
		logger.Warn("reconcile_invalid_record", "conversation", cid, "error", err)
		return models.Conversation{}, false, nil
	}
	return conv, true, nil
}

// checkPair reports a private conversation the pair index does not name.
// A missing pair index is recreated when repairing, guarded so a
// concurrent creation wins.
func (m *Manager) checkPair(ctx context.Context, conv models.Conversation, rep *Report) error {
	a, b := conv.Members[0], conv.Members[1]
	pairPath := models.PrivatePairPath(a, b)
	snap, err := m.tree.Get(ctx, pairPath+"/id")
	if err != nil {
		return fmt.Errorf("read pair index: %w", err)
	}
	if !snap.Exists {
		rep.MissingPairs = append(rep.MissingPairs, models.PairKey(a, b))
		if !m.cfg.Repair {
			return nil
		}
		err := m.tree.UpdateIf(ctx,
			[]realtime.Precondition{{Path: pairPath, Absent: true}},
			realtime.Updates{pairPath: models.PairRecord{ID: conv.ID}})
		if err != nil && !errors.Is(err, realtime.ErrConditionFailed) {
			return fmt.Errorf("repair pair index: %w", err)
		}
		return nil
	}
	if id, _ := snap.Value.(string); id != conv.ID {
		logger.Warn("reconcile_orphaned_conversation", "conversation", conv.ID, "pair", models.PairKey(a, b), "indexed", id)
		rep.Orphaned = append(rep.Orphaned, conv.ID)
	}
	return nil
}

// directoryEntry rebuilds a member's copy. Private copies take the
// counterpart's profile name; a blank title is resolved by the reader.
func (m *Manager) directoryEntry(ctx context.Context, conv models.Conversation, member string) (models.ConversationSummary, error) {
	title := conv.Title
	if conv.Type == models.ConversationPrivate {
		title = ""
		snap, err := m.tree.Get(ctx, models.ProfilePath(conv.Counterpart(member))+"/name")
		if err != nil {
			return models.ConversationSummary{}, fmt.Errorf("read profile: %w", err)
		}
		if name, ok := snap.Value.(string); ok {
			title = name
		}
	}
	return conv.Summary(title), nil
}
