package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSource struct {
	players    []Player
	categories []string
	err        error
}

func (s stubSource) Players(_ context.Context) ([]Player, error) {
	return s.players, s.err
}

func (s stubSource) Categories(_ context.Context) ([]string, error) {
	return s.categories, s.err
}

func testCategories() []string {
	return []string{
		"Played for OpTic", "Played for FaZe", "Played for Envy",
		"K/D over 1.1", "SMG player", "AR player",
	}
}

// playSession returns a session mid-game on an easy grid:
// rows OpTic/FaZe/Envy, columns K/D over 1.1 / SMG player / AR player.
func playSession(t *testing.T) *session {
	t.Helper()

	s := &session{}
	s.begin(easyGridSize)
	s.setCategories(testCategories())

	scump, formal, huke := fixturePlayers()
	s.setPlayers([]Player{*scump, *formal, *huke})

	if s.phase() != phasePlay {
		t.Fatalf("fixture session phase = %v, want play", s.phase())
	}
	return s
}

func TestSessionPhases(t *testing.T) {
	s := &session{}
	if s.phase() != phasePick {
		t.Fatalf("fresh session phase = %v, want pick", s.phase())
	}

	s.begin(easyGridSize)
	if s.phase() != phasePlay {
		t.Fatalf("phase after begin = %v, want play", s.phase())
	}

	s.strikes = maxStrikes
	if s.phase() != phaseOver {
		t.Fatalf("phase at %d strikes = %v, want over", maxStrikes, s.phase())
	}

	s.reset()
	if s.phase() != phasePick {
		t.Fatalf("phase after reset = %v, want pick", s.phase())
	}
}

func TestGuessCorrectNoStrike(t *testing.T) {
	s := playSession(t)

	// FormaL: OpTic and an AR player.
	out := s.guess(0, 2, "FormaL")
	if out == nil || !out.correct {
		t.Fatalf("expected correct resolution, got %+v", out)
	}
	if s.strikes != 0 {
		t.Fatalf("correct guess charged %d strikes", s.strikes)
	}
	if s.cells[0][2].state != cellCorrect {
		t.Fatalf("cell state = %v, want correct", s.cells[0][2].state)
	}
}

func TestGuessWrongAddsOneStrike(t *testing.T) {
	s := playSession(t)

	// Scump: OpTic, but kd 1.08 misses the K/D column.
	out := s.guess(0, 0, "Scump")
	if out == nil || out.correct {
		t.Fatalf("expected wrong resolution, got %+v", out)
	}
	if s.strikes != 1 {
		t.Fatalf("strikes = %d, want exactly 1", s.strikes)
	}
	if s.cells[0][0].state != cellWrong {
		t.Fatalf("cell state = %v, want wrong", s.cells[0][0].state)
	}
	if s.cells[0][0].player == nil || s.cells[0][0].player.Name != "Scump" {
		t.Fatalf("resolved player not attached to cell")
	}
}

func TestGuessUnknownNameIgnored(t *testing.T) {
	s := playSession(t)

	if out := s.guess(0, 0, "Censor"); out != nil {
		t.Fatalf("unknown name should be ignored, got %+v", out)
	}
	if s.strikes != 0 {
		t.Fatalf("ignored guess charged %d strikes", s.strikes)
	}
	if s.cells[0][0].state != cellEmpty {
		t.Fatalf("cell should remain empty after an unknown name")
	}
}

func TestGuessMatchIsCaseInsensitive(t *testing.T) {
	s := playSession(t)

	out := s.guess(0, 2, "fOrMaL")
	if out == nil || out.player.Name != "FormaL" {
		t.Fatalf("case-insensitive match failed, got %+v", out)
	}
}

func TestResolvedCellIsTerminal(t *testing.T) {
	s := playSession(t)

	if out := s.guess(0, 2, "FormaL"); out == nil {
		t.Fatalf("first guess should resolve")
	}
	if out := s.guess(0, 2, "Scump"); out != nil {
		t.Fatalf("resolved cell accepted another guess: %+v", out)
	}
	if s.cells[0][2].player.Name != "FormaL" {
		t.Fatalf("resolution was overwritten")
	}
}

func TestGuessOutOfBoundsIgnored(t *testing.T) {
	s := playSession(t)

	for _, rc := range [][2]int{{-1, 0}, {0, -1}, {3, 0}, {0, 3}} {
		if out := s.guess(rc[0], rc[1], "Scump"); out != nil {
			t.Fatalf("out-of-bounds guess (%d,%d) resolved: %+v", rc[0], rc[1], out)
		}
	}
	if s.strikes != 0 {
		t.Fatalf("out-of-bounds guesses charged %d strikes", s.strikes)
	}
}

func TestGuessBeforeRosterArrives(t *testing.T) {
	s := &session{}
	s.begin(easyGridSize)

	// Neither fetch has landed: no labels, no players, nothing to resolve.
	if out := s.guess(0, 0, "Scump"); out != nil {
		t.Fatalf("guess resolved before roster arrived: %+v", out)
	}
}

func TestShortCategoryListShrinksGrid(t *testing.T) {
	s := &session{}
	s.begin(easyGridSize)
	s.setCategories([]string{"Played for OpTic", "Played for FaZe", "Played for Envy", "SMG player"})

	if len(s.rows) != 3 || len(s.cols) != 1 {
		t.Fatalf("got %d rows and %d cols, want 3 and 1", len(s.rows), len(s.cols))
	}

	scump, _, _ := fixturePlayers()
	s.setPlayers([]Player{*scump})

	if out := s.guess(0, 0, "Scump"); out == nil || !out.correct {
		t.Fatalf("guess on shrunken grid failed: %+v", out)
	}
}

func TestThreeStrikesEndGame(t *testing.T) {
	s := playSession(t)

	// Three wrong pairings in distinct cells.
	for i, g := range []struct {
		row, col int
		name     string
	}{
		{0, 0, "Scump"}, // OpTic but kd too low
		{1, 1, "Huke"},  // SMG but never FaZe
		{2, 2, "Huke"},  // Envy but not an AR player
	} {
		out := s.guess(g.row, g.col, g.name)
		if out == nil || out.correct {
			t.Fatalf("guess %d should resolve wrong, got %+v", i, out)
		}
	}

	if s.strikes != maxStrikes {
		t.Fatalf("strikes = %d, want %d", s.strikes, maxStrikes)
	}
	if s.phase() != phaseOver {
		t.Fatalf("phase = %v, want over", s.phase())
	}

	// Terminal session: no further guesses, no further strikes.
	if out := s.guess(0, 2, "FormaL"); out != nil {
		t.Fatalf("terminal session accepted a guess: %+v", out)
	}
	if s.registerStrike() {
		t.Fatalf("registerStrike succeeded past the limit")
	}
	if s.strikes != maxStrikes {
		t.Fatalf("strikes moved past %d: %d", maxStrikes, s.strikes)
	}
}

func TestResetClearsEverything(t *testing.T) {
	s := playSession(t)

	s.guess(0, 2, "FormaL")
	s.guess(0, 0, "Scump")

	s.reset()

	if s.difficulty != 0 || s.strikes != 0 {
		t.Fatalf("reset left difficulty=%d strikes=%d", s.difficulty, s.strikes)
	}
	if s.cells != nil || s.rows != nil || s.cols != nil {
		t.Fatalf("reset left grid state behind")
	}
	if s.players != nil || s.categories != nil {
		t.Fatalf("reset left fetched lists behind")
	}
}

// ---- Hub-level behavior ----

func testHub(source RosterSource) (*Hub, *Client) {
	h := newHub("test1234", source)
	c := &Client{send: make(chan any, 32)}
	h.clients[c] = true
	return h, c
}

func awaitFetch(t *testing.T, h *Hub) fetchResult {
	t.Helper()
	select {
	case res := <-h.fetches:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fetch result")
		return fetchResult{}
	}
}

func drainClient(c *Client) []any {
	var msgs []any
	for {
		select {
		case m := <-c.send:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func TestHubSelectDifficultyFetchesRoster(t *testing.T) {
	scump, formal, huke := fixturePlayers()
	h, c := testHub(stubSource{
		players:    []Player{*scump, *formal, *huke},
		categories: testCategories(),
	})
	cfg := &Config{}

	h.handleSelect(cfg, ClientMessage{Type: "select_difficulty", Difficulty: "easy"})
	h.applyFetch(cfg, awaitFetch(t, h))
	h.applyFetch(cfg, awaitFetch(t, h))

	h.mu.RLock()
	state := h.gridStateLocked()
	h.mu.RUnlock()

	if state.Phase != "play" {
		t.Fatalf("phase = %q, want play", state.Phase)
	}
	if len(state.Rows) != 3 || len(state.Cols) != 3 {
		t.Fatalf("got %d rows and %d cols, want 3 and 3", len(state.Rows), len(state.Cols))
	}

	var sawGrid bool
	for _, m := range drainClient(c) {
		if gs, ok := m.(GridStateMessage); ok && len(gs.Rows) == 3 {
			sawGrid = true
		}
	}
	if !sawGrid {
		t.Fatalf("client never received a populated grid_state")
	}
}

func TestHubSelectIgnoredMidGame(t *testing.T) {
	h, _ := testHub(stubSource{categories: testCategories()})
	cfg := &Config{}

	h.handleSelect(cfg, ClientMessage{Type: "select_difficulty", Difficulty: "easy"})
	awaitFetch(t, h)
	awaitFetch(t, h)

	h.handleSelect(cfg, ClientMessage{Type: "select_difficulty", Difficulty: "hard"})

	h.mu.RLock()
	difficulty := h.session.difficulty
	h.mu.RUnlock()

	if difficulty != easyGridSize {
		t.Fatalf("difficulty changed mid-game: %d", difficulty)
	}
}

func TestHubFetchFailureSendsNotice(t *testing.T) {
	h, c := testHub(stubSource{err: errors.New("upstream down")})
	cfg := &Config{}

	h.handleSelect(cfg, ClientMessage{Type: "select_difficulty", Difficulty: "easy"})
	h.applyFetch(cfg, awaitFetch(t, h))
	h.applyFetch(cfg, awaitFetch(t, h))

	var sawNotice bool
	for _, m := range drainClient(c) {
		if _, ok := m.(NoticeMessage); ok {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Fatalf("fetch failure was not surfaced to the client")
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.session.players) != 0 || len(h.session.rows) != 0 {
		t.Fatalf("failed fetch populated session state")
	}
}

func TestHubStaleFetchIgnored(t *testing.T) {
	h, _ := testHub(stubSource{categories: testCategories()})
	cfg := &Config{}

	h.handleSelect(cfg, ClientMessage{Type: "select_difficulty", Difficulty: "easy"})

	h.mu.RLock()
	staleGen := h.gen
	h.mu.RUnlock()

	// Drain the in-flight fetches, then reset before they would apply.
	first := awaitFetch(t, h)
	second := awaitFetch(t, h)
	h.handleReset(cfg)

	h.applyFetch(cfg, first)
	h.applyFetch(cfg, second)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.gen == staleGen {
		t.Fatalf("reset did not advance the fetch generation")
	}
	if h.session.categories != nil || h.session.players != nil {
		t.Fatalf("stale fetch results were applied after reset")
	}
}

func TestHubGuessBroadcastsResult(t *testing.T) {
	scump, formal, huke := fixturePlayers()
	h, c := testHub(stubSource{
		players:    []Player{*scump, *formal, *huke},
		categories: testCategories(),
	})
	cfg := &Config{}

	h.handleSelect(cfg, ClientMessage{Type: "select_difficulty", Difficulty: "easy"})
	h.applyFetch(cfg, awaitFetch(t, h))
	h.applyFetch(cfg, awaitFetch(t, h))
	drainClient(c)

	h.handleGuess(cfg, ClientMessage{Type: "guess", Row: 0, Col: 2, Name: "FormaL"})

	var result *GuessResultMessage
	for _, m := range drainClient(c) {
		if gr, ok := m.(GuessResultMessage); ok {
			result = &gr
		}
	}
	if result == nil {
		t.Fatalf("no guess_result broadcast")
	}
	if !result.Correct || result.Player != "FormaL" {
		t.Fatalf("unexpected guess_result: %+v", result)
	}

	// Unknown names are dropped without any broadcast.
	h.handleGuess(cfg, ClientMessage{Type: "guess", Row: 1, Col: 1, Name: "Censor"})
	for _, m := range drainClient(c) {
		if _, ok := m.(GuessResultMessage); ok {
			t.Fatalf("unknown name produced a guess_result")
		}
	}
}
