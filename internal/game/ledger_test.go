package game

import (
	"testing"

	"go.uber.org/zap"

	"songbattle/internal/core"
)

func newTestLedger(t *testing.T, teams ...string) *Ledger {
	t.Helper()
	l := NewLedger(&core.GameConfig{MaxRounds: 5}, zap.NewNop())
	for _, name := range teams {
		if err := l.AddTeam(name, name); err != nil {
			t.Fatalf("AddTeam(%s): %v", name, err)
		}
	}
	return l
}

func TestLedger_Lifecycle(t *testing.T) {
	l := newTestLedger(t, "red", "blue")

	if l.GameState() != StateNotStarted {
		t.Errorf("initial state = %v, expected not started", l.GameState())
	}

	if err := l.StartGame(); err != nil {
		t.Fatalf("StartGame(): %v", err)
	}
	if l.GameState() != StateInProgress {
		t.Errorf("state = %v after start, expected in progress", l.GameState())
	}

	if err := l.StartGame(); err == nil {
		t.Error("starting a running game should fail")
	}

	l.EndGame()
	if l.GameState() != StateFinished {
		t.Errorf("state = %v after end, expected finished", l.GameState())
	}
}

func TestLedger_NeedsTwoTeams(t *testing.T) {
	l := newTestLedger(t, "solo")

	if err := l.StartGame(); err == nil {
		t.Error("a single team must not be able to start a game")
	}
}

func TestLedger_AddTeamRules(t *testing.T) {
	l := newTestLedger(t, "red", "blue")

	if err := l.AddTeam("red", "Red Again"); err == nil {
		t.Error("duplicate team IDs should be rejected")
	}

	if err := l.StartGame(); err != nil {
		t.Fatal(err)
	}
	if err := l.AddTeam("late", "Latecomers"); err == nil {
		t.Error("teams must not join a running game")
	}
}

func TestLedger_RoundCap(t *testing.T) {
	l := newTestLedger(t, "red", "blue")
	if err := l.StartGame(); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		round, err := l.StartNewRound()
		if err != nil {
			t.Fatalf("StartNewRound() #%d: %v", i, err)
		}
		if round.Number != i {
			t.Errorf("round number = %d, expected %d", round.Number, i)
		}
	}

	if _, err := l.StartNewRound(); err == nil {
		t.Error("starting past the round cap should fail")
	}
	if l.GameState() != StateFinished {
		t.Errorf("state = %v at the cap, expected finished", l.GameState())
	}
}

func TestLedger_RecordTrackAttachesSong(t *testing.T) {
	l := newTestLedger(t, "red", "blue")
	if err := l.StartGame(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.StartNewRound(); err != nil {
		t.Fatal(err)
	}

	l.RecordTrack(core.Track{ID: "t1", Name: "Mystery Song"})

	round, ok := l.CurrentRound()
	if !ok {
		t.Fatal("expected an active round")
	}
	if round.Song == nil || round.Song.ID != "t1" {
		t.Errorf("round song = %+v, expected the recorded track", round.Song)
	}
}

func TestLedger_SubmitScores(t *testing.T) {
	l := newTestLedger(t, "red", "blue", "green")
	if err := l.StartGame(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.StartNewRound(); err != nil {
		t.Fatal(err)
	}
	l.RecordTrack(core.Track{ID: "t1", Name: "Mystery Song"})

	// Title and artist each score one point, independently.
	err := l.SubmitScores(map[string]Answer{
		"red":   {Title: true, Artist: true},
		"blue":  {Title: true},
		"green": {},
	})
	if err != nil {
		t.Fatalf("SubmitScores(): %v", err)
	}

	scores := l.Scores()
	if scores["red"] != 2 || scores["blue"] != 1 || scores["green"] != 0 {
		t.Errorf("scores = %v, expected red=2 blue=1 green=0", scores)
	}
}

func TestLedger_SubmitScoresUnknownTeam(t *testing.T) {
	l := newTestLedger(t, "red", "blue")
	if err := l.StartGame(); err != nil {
		t.Fatal(err)
	}

	if err := l.SubmitScores(map[string]Answer{"ghost": {Title: true}}); err == nil {
		t.Error("scoring an unregistered team should fail")
	}
}

func TestLedger_ScoringTeamsGetTrackHistory(t *testing.T) {
	l := newTestLedger(t, "red", "blue")
	if err := l.StartGame(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.StartNewRound(); err != nil {
		t.Fatal(err)
	}
	l.RecordTrack(core.Track{ID: "t1", Name: "Mystery Song"})

	if err := l.SubmitScores(map[string]Answer{
		"red":  {Title: true},
		"blue": {},
	}); err != nil {
		t.Fatal(err)
	}

	l.EndGame()
	winner, ok := l.Winner()
	if !ok {
		t.Fatal("expected a winner after the game finished")
	}
	if winner.ID != "red" {
		t.Errorf("winner = %s, expected red", winner.ID)
	}
	if tracks := winner.Tracks(); len(tracks) != 1 || tracks[0].ID != "t1" {
		t.Errorf("winner tracks = %v, expected the round song", tracks)
	}
}

func TestLedger_WinnerOnlyWhenFinished(t *testing.T) {
	l := newTestLedger(t, "red", "blue")
	if err := l.StartGame(); err != nil {
		t.Fatal(err)
	}

	if _, ok := l.Winner(); ok {
		t.Error("Winner() must not resolve while the game runs")
	}
}

func TestLedger_Reset(t *testing.T) {
	l := newTestLedger(t, "red", "blue")
	if err := l.StartGame(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.StartNewRound(); err != nil {
		t.Fatal(err)
	}
	l.RecordTrack(core.Track{ID: "t1"})
	if err := l.SubmitScores(map[string]Answer{"red": {Title: true}}); err != nil {
		t.Fatal(err)
	}

	l.Reset()

	if l.GameState() != StateNotStarted {
		t.Errorf("state = %v after reset, expected not started", l.GameState())
	}
	if scores := l.Scores(); scores["red"] != 0 || scores["blue"] != 0 {
		t.Errorf("scores = %v after reset, expected zeros", scores)
	}
	if _, ok := l.CurrentRound(); ok {
		t.Error("no round should survive a reset")
	}

	// Registered teams survive and a new game can start straight away.
	if err := l.StartGame(); err != nil {
		t.Errorf("StartGame() after reset: %v", err)
	}
}

func TestAnswer_Points(t *testing.T) {
	tests := []struct {
		answer   Answer
		expected int
	}{
		{Answer{}, 0},
		{Answer{Title: true}, 1},
		{Answer{Artist: true}, 1},
		{Answer{Title: true, Artist: true}, 2},
	}

	for _, tt := range tests {
		if got := tt.answer.Points(); got != tt.expected {
			t.Errorf("Points(%+v) = %d, expected %d", tt.answer, got, tt.expected)
		}
	}
}
