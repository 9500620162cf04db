package research

import (
	"github.com/TobiSchelling/AICouncil/internal/tree"
)

// Merge combines one provider's research and web-search outcomes into the
// payload stored on the node.
//
// Research fields are kept verbatim and web results are attached under
// WebResults. When research failed but the search returned results, the
// payload holds only the web results and is marked Partial. When both failed
// the research error is returned; webErr is never returned and callers log
// it themselves.
func Merge(payload *tree.Payload, researchErr error, web []tree.WebResult, webErr error) (*tree.Payload, error) {
	if researchErr != nil {
		if webErr != nil || len(web) == 0 {
			return nil, researchErr
		}
		return &tree.Payload{WebResults: web, Partial: true}, nil
	}

	merged := tree.Payload{}
	if payload != nil {
		merged = *payload
	}
	merged.WebResults = nil
	merged.Partial = false
	if webErr == nil && len(web) > 0 {
		merged.WebResults = append(merged.WebResults, web...)
	}
	return &merged, nil
}
