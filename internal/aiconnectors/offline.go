package aiconnectors

import "context"

// offlineResponse answers every request kind with its most conservative
// verdict: keep separate, mark atomic, no duplicates, no rename.
const offlineResponse = `{
  "should_merge": false,
  "confidence": 0,
  "should_expand": false,
  "is_atomic": true,
  "reasoning": "offline dry run",
  "sub_themes": [],
  "duplicate_groups": [],
  "results": [],
  "domain": "General",
  "name": ""
}`

// Offline is a backend that never leaves the process. It lets a dry run
// exercise the whole pipeline without credentials.
type Offline struct{}

func (Offline) Generate(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return offlineResponse, nil
}
