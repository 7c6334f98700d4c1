package session

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilpay/brain/internal/config"
	"github.com/veilpay/brain/internal/intent"
)

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		TTL:                time.Hour,
		MaxTurns:           10,
		SummarizeThreshold: 5,
		MaxSessions:        100,
		SweepInterval:      time.Minute,
		PersistUserState:   true,
	}
}

func TestGetOrCreateAndAppend(t *testing.T) {
	m := NewManager(testConfig(), config.PrivacyConfig{}, nil)

	snap := m.GetOrCreate("s1", "u1")
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, "u1", snap.UserID)
	assert.Empty(t, snap.History)

	require.NoError(t, m.AppendTurn("s1", Turn{Role: RoleUser, Content: "hello"}))
	snap, err := m.Snapshot("s1")
	require.NoError(t, err)
	require.Len(t, snap.History, 1)
	assert.NotEmpty(t, snap.History[0].ID)
	assert.False(t, snap.History[0].Timestamp.IsZero())
}

func TestAppendToUnknownSession(t *testing.T) {
	m := NewManager(testConfig(), config.PrivacyConfig{}, nil)
	assert.ErrorIs(t, m.AppendTurn("nope", Turn{Role: RoleUser, Content: "x"}), ErrNotFound)
}

func TestSummarizationFoldsOldTurns(t *testing.T) {
	m := NewManager(testConfig(), config.PrivacyConfig{}, nil)
	m.GetOrCreate("s1", "u1")

	for i := 0; i < 11; i++ {
		require.NoError(t, m.AppendTurn("s1", Turn{
			Role:    RoleUser,
			Content: fmt.Sprintf("message %d", i),
		}))
	}

	snap, err := m.Snapshot("s1")
	require.NoError(t, err)

	// 11 turns with threshold 5: oldest 5 fold into one summary turn.
	require.Len(t, snap.History, 7)
	assert.Equal(t, RoleSystem, snap.History[0].Role)
	assert.True(t, IsSummaryTurn(snap.History[0]))
	assert.Equal(t, "message 5", snap.History[1].Content)
	assert.Equal(t, "message 10", snap.History[len(snap.History)-1].Content)
}

func TestRepeatedSummarizationKeepsSingleSummary(t *testing.T) {
	m := NewManager(testConfig(), config.PrivacyConfig{}, nil)
	m.GetOrCreate("s1", "u1")

	for i := 0; i < 40; i++ {
		require.NoError(t, m.AppendTurn("s1", Turn{
			Role:    RoleUser,
			Content: fmt.Sprintf("message %d", i),
		}))
	}

	snap, err := m.Snapshot("s1")
	require.NoError(t, err)

	summaries := 0
	for _, turn := range snap.History {
		if IsSummaryTurn(turn) {
			summaries++
		}
	}
	assert.Equal(t, 1, summaries, "summaries must fold into each other, never stack")
	assert.LessOrEqual(t, len(snap.History), 11)
	assert.Equal(t, "message 39", snap.History[len(snap.History)-1].Content)
}

func TestSummaryCarriesIntentActions(t *testing.T) {
	m := NewManager(testConfig(), config.PrivacyConfig{}, nil)
	m.GetOrCreate("s1", "u1")

	for i := 0; i < 11; i++ {
		turn := Turn{Role: RoleUser, Content: fmt.Sprintf("message %d", i)}
		if i == 0 {
			turn.Intent = &intent.Intent{ID: "i1", Action: intent.ActionFundCard}
		}
		require.NoError(t, m.AppendTurn("s1", turn))
	}

	snap, err := m.Snapshot("s1")
	require.NoError(t, err)
	assert.True(t, strings.Contains(snap.History[0].Content, string(intent.ActionFundCard)))
}

func TestSweepEvictsExpired(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = 10 * time.Millisecond
	m := NewManager(cfg, config.PrivacyConfig{}, nil)

	var evicted []string
	m.OnEvict = func(id string) { evicted = append(evicted, id) }

	m.GetOrCreate("s1", "u1")
	m.GetOrCreate("s2", "u2")
	time.Sleep(20 * time.Millisecond)

	n := m.Sweep()
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, m.SessionCount())
	assert.ElementsMatch(t, []string{"s1", "s2"}, evicted)

	_, err := m.Snapshot("s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepEnforcesSessionCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 3
	m := NewManager(cfg, config.PrivacyConfig{}, nil)

	for i := 0; i < 5; i++ {
		m.GetOrCreate(fmt.Sprintf("s%d", i), "u1")
		time.Sleep(2 * time.Millisecond) // distinct last-activity order
	}

	m.Sweep()
	assert.Equal(t, 3, m.SessionCount())

	// The two least recently active sessions are the ones gone.
	_, err := m.Snapshot("s0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Snapshot("s4")
	assert.NoError(t, err)
}

func TestConcurrentTurnsShareUserState(t *testing.T) {
	m := NewManager(testConfig(), config.PrivacyConfig{}, nil)
	m.GetOrCreate("s1", "u1")
	m.GetOrCreate("s2", "u1")

	// Two sessions of the same user append turns concurrently while readers
	// clone the shared state. Run with -race.
	const turns = 200
	var wg sync.WaitGroup
	for _, sid := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			for i := 0; i < turns; i++ {
				_ = m.AppendTurn(sid, Turn{
					Role:    RoleUser,
					Content: "fund",
					Intent:  &intent.Intent{ID: fmt.Sprintf("%s-%d", sid, i), Action: intent.ActionFundCard},
				})
			}
		}(sid)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < turns; i++ {
			m.ActionFrequencies("u1")
			_, _ = m.Snapshot("s1")
			m.UpdateUserState("u1", func(u *UserState) { u.RecordMerchant("alice") })
		}
	}()
	wg.Wait()

	state, ok := m.UserState("u1")
	require.True(t, ok)
	assert.Equal(t, 2*turns, state.ActionCounts[string(intent.ActionFundCard)])
}

func TestUserStateSurvivesEviction(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = 5 * time.Millisecond
	m := NewManager(cfg, config.PrivacyConfig{}, nil)

	m.GetOrCreate("s1", "u1")
	m.UpdateUserState("u1", func(u *UserState) {
		u.CardID = "card-1"
		u.RecordMerchant("alice")
	})

	time.Sleep(10 * time.Millisecond)
	m.Sweep()

	state, ok := m.UserState("u1")
	require.True(t, ok, "user state persists across session eviction")
	assert.Equal(t, "card-1", state.CardID)
	assert.Equal(t, []string{"alice"}, state.RecentMerchants)
}

func TestUserStateDroppedWhenNotPersisted(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = 5 * time.Millisecond
	cfg.PersistUserState = false
	m := NewManager(cfg, config.PrivacyConfig{}, nil)

	m.GetOrCreate("s1", "u1")
	time.Sleep(10 * time.Millisecond)
	m.Sweep()

	_, ok := m.UserState("u1")
	assert.False(t, ok)
}

func TestRecentMerchantsRing(t *testing.T) {
	u := newUserState("u1")
	for i := 0; i < 15; i++ {
		u.RecordMerchant(fmt.Sprintf("m%d", i))
	}
	assert.Len(t, u.RecentMerchants, 10)
	assert.Equal(t, "m5", u.RecentMerchants[0])
	assert.Equal(t, "m14", u.RecentMerchants[9])
}

func TestActionFrequenciesWithNoise(t *testing.T) {
	m := NewManager(testConfig(), config.PrivacyConfig{Enabled: true, Epsilon: 1.0}, nil)
	m.GetOrCreate("s1", "u1")

	for i := 0; i < 20; i++ {
		require.NoError(t, m.AppendTurn("s1", Turn{
			Role:    RoleUser,
			Content: "fund",
			Intent:  &intent.Intent{ID: fmt.Sprintf("i%d", i), Action: intent.ActionFundCard},
		}))
	}

	freqs := m.ActionFrequencies("u1")
	require.Contains(t, freqs, string(intent.ActionFundCard))
	v := freqs[string(intent.ActionFundCard)]
	assert.GreaterOrEqual(t, v, 0.0, "noised counts are clamped at zero")
	assert.InDelta(t, 20.0, v, 15.0, "noise is calibrated, not destructive")
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewManager(testConfig(), config.PrivacyConfig{}, nil)
	m.GetOrCreate("s1", "u1")
	require.NoError(t, m.AppendTurn("s1", Turn{Role: RoleUser, Content: "one"}))

	snap, err := m.Snapshot("s1")
	require.NoError(t, err)
	snap.History[0].Content = "mutated"
	snap.State.CardID = "mutated"

	fresh, err := m.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, "one", fresh.History[0].Content)
	assert.Empty(t, fresh.State.CardID)
}
