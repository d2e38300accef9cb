package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// RosterSource supplies the two flat lists a game session is built from.
// Both calls are independent; callers issue them concurrently and tolerate
// either one failing.
type RosterSource interface {
	Players(ctx context.Context) ([]Player, error)
	Categories(ctx context.Context) ([]string, error)
}

// apiSource fetches the roster from an upstream stats API:
// GET {base}/api/players and GET {base}/api/categories.
type apiSource struct {
	base   string
	client *http.Client
}

func newAPISource(base string) *apiSource {
	return &apiSource{
		base:   strings.TrimSuffix(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *apiSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s%s: unexpected status %s", s.base, path, resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *apiSource) Players(ctx context.Context) ([]Player, error) {
	var players []Player
	if err := s.get(ctx, "/api/players", &players); err != nil {
		return nil, err
	}
	return players, nil
}

func (s *apiSource) Categories(ctx context.Context) ([]string, error) {
	var categories []string
	if err := s.get(ctx, "/api/categories", &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

// The demo roster keeps the binary playable with no upstream configured,
// and backs this server's own /api/players and /api/categories endpoints.

//go:embed data/players.json
var demoPlayersJSON []byte

//go:embed data/categories.json
var demoCategoriesJSON []byte

type demoSource struct{}

func (demoSource) Players(_ context.Context) ([]Player, error) {
	var players []Player
	if err := json.Unmarshal(demoPlayersJSON, &players); err != nil {
		return nil, err
	}
	return players, nil
}

func (demoSource) Categories(_ context.Context) ([]string, error) {
	var categories []string
	if err := json.Unmarshal(demoCategoriesJSON, &categories); err != nil {
		return nil, err
	}
	return categories, nil
}

// deriveLabels slices an ordered category list into row and column labels:
// the first n entries label rows, the next n label columns. A short list
// yields fewer labels rather than an error; surplus entries are unused.
func deriveLabels(categories []string, n int) (rows, cols []string) {
	if n <= 0 {
		return nil, nil
	}

	rows = categories[:min(n, len(categories))]
	if len(categories) > n {
		cols = categories[n:min(2*n, len(categories))]
	}

	return rows, cols
}
