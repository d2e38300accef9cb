// Gridbox Trivia Grid
//
// A single-page trivia grid: rows and columns are labeled with conditions
// ("Played for OpTic", "K/D over 1.1"), and for each cell the player types
// the name of a pro player satisfying both the row and column condition.
// Three wrong guesses end the game.
//
// Features:
// - WebSockets per game ID: /path/:gameid and /path/:gameid/ws
// - Two difficulties: easy (3x3 grid) and hard (5x5 grid)
// - Picking a difficulty fetches the player roster and category list from
//   the configured stats API (or the built-in demo roster)
// - Both fetches run concurrently and independently; a failed fetch leaves
//   that list empty and sends a notice to connected clients
// - Category order decides labels: first N rows, next N columns
// - Guesses are free text, matched case-insensitively against player names;
//   unknown names are ignored and cost nothing
// - A wrong guess locks the cell and charges one strike; three strikes is
//   game over
// - Reset returns the session to the difficulty picker
// - Games auto-reaped after configurable idle timeout
// - Random 8-char game IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"context"
	"crypto/rand"
	_ "embed"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const (
	easyGridSize = 3
	hardGridSize = 5
	maxStrikes   = 3
)

type phase int

const (
	phasePick phase = iota
	phasePlay
	phaseOver
)

func (p phase) String() string {
	switch p {
	case phasePlay:
		return "play"
	case phaseOver:
		return "over"
	default:
		return "pick"
	}
}

type cellState int

const (
	cellEmpty cellState = iota
	cellCorrect
	cellWrong
)

func (c cellState) String() string {
	switch c {
	case cellCorrect:
		return "correct"
	case cellWrong:
		return "wrong"
	default:
		return "empty"
	}
}

// cell is one grid square. It starts empty and resolves at most once;
// a resolved cell keeps the player that resolved it.
type cell struct {
	state  cellState
	player *Player
}

// session holds all game state for one grid: the chosen difficulty, the two
// fetched lists, the derived labels, per-cell resolutions, and the strike
// count. Mutated only under the owning hub's lock.
type session struct {
	difficulty int // grid dimension; 0 until a difficulty is chosen
	players    []Player
	categories []string
	rows       []string
	cols       []string
	strikes    int
	cells      [][]cell
}

func (s *session) phase() phase {
	switch {
	case s.difficulty == 0:
		return phasePick
	case s.strikes >= maxStrikes:
		return phaseOver
	default:
		return phasePlay
	}
}

// begin starts a fresh game at the given grid dimension, discarding any
// previous state.
func (s *session) begin(n int) {
	*s = session{difficulty: n}
}

// reset returns the session to the difficulty picker.
func (s *session) reset() {
	*s = session{}
}

func (s *session) setPlayers(players []Player) {
	s.players = players
}

// setCategories stores the fetched category list and sizes the grid from it.
// A short list simply yields fewer rows or columns.
func (s *session) setCategories(categories []string) {
	s.categories = categories
	s.rows, s.cols = deriveLabels(categories, s.difficulty)

	s.cells = make([][]cell, len(s.rows))
	for i := range s.cells {
		s.cells[i] = make([]cell, len(s.cols))
	}
}

func (s *session) findPlayer(name string) *Player {
	for i := range s.players {
		if strings.EqualFold(s.players[i].Name, name) {
			return &s.players[i]
		}
	}
	return nil
}

// registerStrike counts a wrong guess. Once the session is terminal no
// further strikes accrue.
func (s *session) registerStrike() bool {
	if s.strikes >= maxStrikes {
		return false
	}
	s.strikes++
	return true
}

type guessOutcome struct {
	row     int
	col     int
	player  *Player
	correct bool
}

// guess resolves a free-text name against one cell. A nil return means the
// submission was ignored: out-of-phase, out-of-bounds, an already-resolved
// cell, or a name matching no player. Ignored submissions cost nothing and
// leave the cell guessable.
func (s *session) guess(row, col int, name string) *guessOutcome {
	if s.phase() != phasePlay {
		return nil
	}
	if row < 0 || row >= len(s.rows) || col < 0 || col >= len(s.cols) {
		return nil
	}

	c := &s.cells[row][col]
	if c.state != cellEmpty {
		return nil
	}

	p := s.findPlayer(name)
	if p == nil {
		return nil
	}

	c.player = p
	if evaluate(p, s.rows[row]) && evaluate(p, s.cols[col]) {
		c.state = cellCorrect
		return &guessOutcome{row: row, col: col, player: p, correct: true}
	}

	c.state = cellWrong
	s.registerStrike()
	return &guessOutcome{row: row, col: col, player: p, correct: false}
}

// Messages coming from clients
type ClientMessage struct {
	Type       string `json:"type"`                 // "select_difficulty", "guess", "reset"
	Difficulty string `json:"difficulty,omitempty"` // select_difficulty: "easy" or "hard"
	Row        int    `json:"row"`                  // guess
	Col        int    `json:"col"`                  // guess
	Name       string `json:"name,omitempty"`       // guess
}

// SessionInfoMessage is sent immediately on connect.
type SessionInfoMessage struct {
	Type   string `json:"type"`    // "session_info"
	GameID string `json:"game_id"` // this session's ID
}

// CellView is one grid square as shown to clients.
type CellView struct {
	State  string `json:"state"`            // "empty", "correct", "wrong"
	Player string `json:"player,omitempty"` // resolving player, once resolved
	Image  string `json:"image,omitempty"`  // resolving player's image
}

// GridStateMessage is the full session snapshot, broadcast after every change.
type GridStateMessage struct {
	Type    string       `json:"type"`  // "grid_state"
	Phase   string       `json:"phase"` // "pick", "play", "over"
	Rows    []string     `json:"rows,omitempty"`
	Cols    []string     `json:"cols,omitempty"`
	Strikes int          `json:"strikes"`
	Cells   [][]CellView `json:"cells,omitempty"`
}

// GuessResultMessage informs everyone about a resolved guess.
type GuessResultMessage struct {
	Type    string `json:"type"` // "guess_result"
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	Correct bool   `json:"correct"`
	Player  string `json:"player"`
	Strikes int    `json:"strikes"`
	Message string `json:"message,omitempty"`
}

// NoticeMessage is for generic notifications (fetch failures, mostly).
type NoticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

type clientRequest struct {
	client *Client
	msg    ClientMessage
}

// fetchResult carries one completed roster fetch back to the hub loop.
// gen guards against results landing after the session was reset.
type fetchResult struct {
	gen        uint64
	kind       string // "players" or "categories"
	players    []Player
	categories []string
	err        error
}

type Hub struct {
	id     string
	source RosterSource

	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	requests chan clientRequest
	fetches  chan fetchResult

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time

	gen     uint64
	session session
}

func newHub(gameID string, source RosterSource) *Hub {
	now := time.Now()
	return &Hub{
		id:         gameID,
		source:     source,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		requests:   make(chan clientRequest),
		fetches:    make(chan fetchResult, 4),
		createdAt:  now,
		lastActive: now,
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.lastActive = time.Now()
			h.clients[c] = true
			state := h.gridStateLocked()
			h.mu.Unlock()

			c.send <- SessionInfoMessage{
				Type:   "session_info",
				GameID: h.id,
			}
			c.send <- state

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()

			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case req := <-h.requests:
			h.handleRequest(cfg, req)

		case res := <-h.fetches:
			h.applyFetch(cfg, res)
		}
	}
}

func (h *Hub) handleRequest(cfg *Config, req clientRequest) {
	switch req.msg.Type {
	case "select_difficulty":
		h.handleSelect(cfg, req.msg)
	case "guess":
		h.handleGuess(cfg, req.msg)
	case "reset":
		h.handleReset(cfg)
	}
}

// handleSelect starts a game at the requested difficulty and kicks off the
// two roster fetches. Ignored outside the difficulty picker.
func (h *Hub) handleSelect(cfg *Config, msg ClientMessage) {
	var n int
	switch msg.Difficulty {
	case "easy":
		n = easyGridSize
	case "hard":
		n = hardGridSize
	default:
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if h.session.phase() != phasePick {
		return
	}

	h.session.begin(n)
	h.gen++

	// Both fetches run concurrently and independently of each other; either
	// may fail or finish in any order.
	go h.fetch(h.gen, "players")
	go h.fetch(h.gen, "categories")

	logf(cfg, "GAMES: Difficulty %q (%dx%d) chosen in %s", msg.Difficulty, n, n, h.id)

	h.broadcastGridStateLocked()
}

func (h *Hub) fetch(gen uint64, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res := fetchResult{
		gen:  gen,
		kind: kind,
	}

	switch kind {
	case "players":
		res.players, res.err = h.source.Players(ctx)
	case "categories":
		res.categories, res.err = h.source.Categories(ctx)
	}

	h.fetches <- res
}

// applyFetch folds one completed fetch into the session and broadcasts the
// new grid. Failures leave the list empty and notify connected clients
// instead of silently presenting a broken grid.
func (h *Hub) applyFetch(cfg *Config, res fetchResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if res.gen != h.gen || h.session.phase() == phasePick {
		return
	}

	if res.err != nil {
		logf(cfg, "GAMES: Fetching %s failed in %s: %v", res.kind, h.id, res.err)

		h.broadcastLocked(NoticeMessage{
			Type:    "notice",
			Message: "Fetching " + res.kind + " failed; the grid may be incomplete.",
		})

		return
	}

	switch res.kind {
	case "players":
		h.session.setPlayers(res.players)
	case "categories":
		h.session.setCategories(res.categories)
	}

	h.broadcastGridStateLocked()
}

// handleGuess resolves a free-text name against one cell. Submissions that
// match no player are dropped without comment: the cell stays guessable and
// no strike is charged.
func (h *Hub) handleGuess(cfg *Config, msg ClientMessage) {
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	out := h.session.guess(msg.Row, msg.Col, name)
	if out == nil {
		return
	}

	var text string
	if out.correct {
		text = out.player.Name + " satisfies both conditions."
		logf(cfg, "GAMES: Correct guess %q at (%d,%d) in %s", out.player.Name, out.row, out.col, h.id)
	} else {
		text = out.player.Name + " does not satisfy both conditions."
		logf(cfg, "GAMES: Wrong guess %q at (%d,%d) in %s (%d strikes)", out.player.Name, out.row, out.col, h.id, h.session.strikes)
	}

	h.broadcastLocked(GuessResultMessage{
		Type:    "guess_result",
		Row:     out.row,
		Col:     out.col,
		Correct: out.correct,
		Player:  out.player.Name,
		Strikes: h.session.strikes,
		Message: text,
	})

	h.broadcastGridStateLocked()
}

func (h *Hub) handleReset(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	h.session.reset()
	h.gen++

	logf(cfg, "GAMES: Session %s reset", h.id)

	h.broadcastGridStateLocked()
}

func (h *Hub) gridStateLocked() GridStateMessage {
	s := &h.session

	msg := GridStateMessage{
		Type:    "grid_state",
		Phase:   s.phase().String(),
		Rows:    s.rows,
		Cols:    s.cols,
		Strikes: s.strikes,
	}

	if len(s.cells) > 0 {
		msg.Cells = make([][]CellView, len(s.cells))
		for i, row := range s.cells {
			msg.Cells[i] = make([]CellView, len(row))
			for j, c := range row {
				view := CellView{State: c.state.String()}
				if c.player != nil {
					view.Player = c.player.Name
					view.Image = c.player.Image
				}
				msg.Cells[i][j] = view
			}
		}
	}

	return msg
}

func (h *Hub) broadcastGridStateLocked() {
	h.broadcastLocked(h.gridStateLocked())
}

func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// closeAll disconnects all clients of this hub (used by reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "gridbox_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// GameManager holds a set of hubs keyed by game ID, so each $path/$gameid
// is its own isolated session.
type GameManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	source      RosterSource
	idleTimeout time.Duration
}

func newGameManager(idleTimeout time.Duration, source RosterSource) *GameManager {
	gm := &GameManager{
		hubs:        make(map[string]*Hub),
		source:      source,
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

func (gm *GameManager) getHub(cfg *Config, gameID string) *Hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[gameID]; ok {
		return hub
	}

	hub := newHub(gameID, gm.source)
	gm.hubs[gameID] = hub
	go hub.run(cfg)
	return hub
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (gm *GameManager) newGameID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than idleTimeout.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for id, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				go hub.closeAll()
			}
		}
		gm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)

		hub := gm.getHub(cfg, gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "select_difficulty", "guess", "reset":
			h.requests <- clientRequest{
				client: c,
				msg:    msg,
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed grid/index.html
var indexHTML []byte

//go:embed grid/app.css
var gridboxCSS []byte

//go:embed grid/app.js
var gridboxJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(gridboxCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(gridboxJS)
	}
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := gm.newGameID()
		logf(cfg, "GAMES: Created game %s/%s", path, gameID)
		http.Redirect(w, r, path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerGridGame sets up routes so that:
//   - $path                  → redirects to new random game (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
func registerGridGame(cfg *Config, path string, mux *httprouter.Router) {
	var source RosterSource = demoSource{}
	if cfg.apiURL != "" {
		source = newAPISource(cfg.apiURL)
	}

	gm := newGameManager(cfg.sessionTimeout, source)

	// Root path → redirect to new random game
	mux.GET(path, redirectNewGame(cfg, path, gm))

	// Per-game client view (HTML)
	mux.GET(cfg.prefix+path+"/:gameid", getIndexHandler(cfg))

	// Shared assets (no gameid in route)
	mux.GET(cfg.prefix+"/assets/grid/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/grid/app.js", getJsHandler(cfg))

	// Per-game websocket
	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(cfg, gm))

	// Per-game QR code
	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler)
}
