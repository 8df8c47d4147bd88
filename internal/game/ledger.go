// Package game holds the round and score bookkeeping for a team quiz
// session. It consumes track events from the playback orchestrator and is
// otherwise pure state.
package game

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"songbattle/internal/core"
)

// State is the lifecycle of one game session.
type State int

const (
	StateNotStarted State = iota
	StateInProgress
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInProgress:
		return "in_progress"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Team is a participating team. Scores are monotonic and non-negative,
// incremented only through the ledger.
type Team struct {
	ID     string
	Name   string
	score  int
	tracks []core.Track
}

// Score returns the team's current score.
func (t *Team) Score() int {
	return t.score
}

// Tracks returns the songs this team has won points on.
func (t *Team) Tracks() []core.Track {
	out := make([]core.Track, len(t.tracks))
	copy(out, t.tracks)
	return out
}

// Round is one song-guessing round.
type Round struct {
	Number    int
	Song      *core.Track
	StartTime time.Time
}

// Answer holds one team's correctness flags for a round.
type Answer struct {
	Title  bool
	Artist bool
}

// Points returns the score delta for the answer: one point per correct
// title or artist guess.
func (a Answer) Points() int {
	points := 0
	if a.Title {
		points++
	}
	if a.Artist {
		points++
	}
	return points
}

// Ledger owns teams, rounds and scoring for one game session.
type Ledger struct {
	mu        sync.Mutex
	teams     []*Team
	state     State
	round     *Round
	roundNum  int
	maxRounds int
	clock     core.Clock
	logger    *zap.Logger
}

// NewLedger creates a ledger for a game with the given round cap.
func NewLedger(cfg *core.GameConfig, logger *zap.Logger) *Ledger {
	return &Ledger{
		maxRounds: cfg.MaxRounds,
		clock:     core.SystemClock(),
		logger:    logger,
		state:     StateNotStarted,
	}
}

// AddTeam registers a team. Teams can only join before the game starts.
func (l *Ledger) AddTeam(id, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateNotStarted {
		return fmt.Errorf("cannot add team while game is %s", l.state)
	}
	for _, t := range l.teams {
		if t.ID == id {
			return fmt.Errorf("team %s already registered", id)
		}
	}

	l.teams = append(l.teams, &Team{ID: id, Name: name})
	l.logger.Info("Team registered", zap.String("team", name))
	return nil
}

// StartGame begins the session. At least two teams are required.
func (l *Ledger) StartGame() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.teams) < 2 {
		return fmt.Errorf("need at least 2 teams, have %d", len(l.teams))
	}
	if l.state == StateInProgress {
		return fmt.Errorf("game already in progress")
	}

	l.state = StateInProgress
	l.roundNum = 0
	l.round = nil
	l.logger.Info("Game started", zap.Int("teams", len(l.teams)))
	return nil
}

// EndGame finishes the session.
func (l *Ledger) EndGame() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateFinished
	l.round = nil
	l.logger.Info("Game ended")
}

// StartNewRound opens the next round. The song is attached later, when the
// orchestrator reports the track in play. The game finishes once the round
// cap is exhausted.
func (l *Ledger) StartNewRound() (*Round, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateInProgress {
		return nil, fmt.Errorf("game is %s", l.state)
	}
	if l.roundNum >= l.maxRounds {
		l.state = StateFinished
		return nil, fmt.Errorf("round limit of %d reached", l.maxRounds)
	}

	l.roundNum++
	l.round = &Round{Number: l.roundNum, StartTime: l.clock.Now()}
	l.logger.Info("Round started", zap.Int("round", l.roundNum))

	return l.snapshotRoundLocked(), nil
}

// RecordTrack attaches the track in play to the active round. Wired to the
// orchestrator's track-change event.
func (l *Ledger) RecordTrack(track core.Track) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateInProgress || l.round == nil {
		return
	}

	song := track
	l.round.Song = &song
	l.logger.Debug("Round song recorded",
		zap.Int("round", l.round.Number),
		zap.String("track", track.Name))
}

// SubmitScores applies one round's answers: each team earns one point per
// correct title/artist flag. Order-independent. Teams that scored get the
// round's song added to their history.
func (l *Ledger) SubmitScores(answers map[string]Answer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateInProgress {
		return fmt.Errorf("game is %s", l.state)
	}

	for id, answer := range answers {
		team := l.teamLocked(id)
		if team == nil {
			return fmt.Errorf("unknown team: %s", id)
		}

		points := answer.Points()
		if points == 0 {
			continue
		}

		team.score += points
		if l.round != nil && l.round.Song != nil {
			team.tracks = append(team.tracks, *l.round.Song)
		}

		l.logger.Debug("Scores submitted",
			zap.String("team", team.Name),
			zap.Int("points", points),
			zap.Int("total", team.score))
	}

	return nil
}

// CurrentRound returns a copy of the active round, if any.
func (l *Ledger) CurrentRound() (*Round, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.round == nil {
		return nil, false
	}
	return l.snapshotRoundLocked(), true
}

// GameState returns the current lifecycle state.
func (l *Ledger) GameState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Scores returns a snapshot of team scores by team ID.
func (l *Ledger) Scores() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	scores := make(map[string]int, len(l.teams))
	for _, t := range l.teams {
		scores[t.ID] = t.score
	}
	return scores
}

// Winner returns the highest-scoring team once the game has finished.
func (l *Ledger) Winner() (*Team, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateFinished || len(l.teams) == 0 {
		return nil, false
	}

	best := l.teams[0]
	for _, t := range l.teams[1:] {
		if t.score > best.score {
			best = t
		}
	}
	return best, true
}

// Reset clears scores, histories and rounds, keeping the registered teams.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.teams {
		t.score = 0
		t.tracks = nil
	}
	l.state = StateNotStarted
	l.round = nil
	l.roundNum = 0
	l.logger.Info("Game reset")
}

func (l *Ledger) teamLocked(id string) *Team {
	for _, t := range l.teams {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (l *Ledger) snapshotRoundLocked() *Round {
	r := *l.round
	if l.round.Song != nil {
		song := *l.round.Song
		r.Song = &song
	}
	return &r
}
