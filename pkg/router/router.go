package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/robaikg/gateway/pkg/config"
	"github.com/robaikg/gateway/pkg/protocol"
)

// Decision is the immutable outcome of routing one request.
type Decision struct {
	Mode Mode
	// Messages is the forwardable message list, tags stripped.
	Messages []protocol.Message
	// Reason records how the mode was chosen, for logs.
	Reason string
	// TagStripped is true when a tag was removed from the last user
	// message; the passthrough path must then re-marshal the body.
	TagStripped bool
}

// Router picks an execution mode for each request. An explicit tag always
// wins; without one the optional intent classifier may promote the request
// off the pure-LLM path when it is confident enough.
type Router struct {
	cfg        config.RouterConfig
	classifier *Classifier
	logger     *slog.Logger
}

func New(cfg config.RouterConfig, classifier *Classifier, logger *slog.Logger) *Router {
	return &Router{cfg: cfg, classifier: classifier, logger: logger}
}

// depthModifiers are the phrasings that upgrade an auto-detected standard
// research request to deep research.
var depthModifiers = regexp.MustCompile(`(?i)\b(thoroughly|carefully|comprehensive(?:ly)?|deep(?:ly)?|detailed|extensive(?:ly)?|all)\b`)

// Route scans and classifies the request. Classifier failures never fail
// routing; they just leave the request on the default path.
func (r *Router) Route(ctx context.Context, messages []protocol.Message) (*Decision, error) {
	scan, err := ScanTags(messages)
	if err != nil {
		return nil, err
	}

	stripped := scan.Token != ""

	if scan.IDEMarker {
		return &Decision{Mode: ModePureLLM, Messages: scan.Stripped, Reason: "ide integration marker", TagStripped: stripped}, nil
	}
	if scan.Multimodal {
		return &Decision{Mode: ModePureLLM, Messages: scan.Stripped, Reason: "multimodal content", TagStripped: stripped}, nil
	}
	if scan.Hint != "" {
		return &Decision{Mode: scan.Hint, Messages: scan.Stripped, Reason: fmt.Sprintf("explicit tag [[%s]]", scan.Token), TagStripped: true}, nil
	}

	if r.cfg.AutoDetect && r.classifier != nil {
		if decision := r.autoDetect(ctx, scan); decision != nil {
			return decision, nil
		}
	}

	return &Decision{Mode: ModePureLLM, Messages: scan.Stripped, Reason: "default"}, nil
}

func (r *Router) autoDetect(ctx context.Context, scan *TagScan) *Decision {
	text := lastUserText(scan.Stripped)
	if text == "" {
		return nil
	}

	intent, confidence, err := r.classifier.ClassifyIntent(ctx, text)
	if err != nil {
		r.logger.Debug("intent classification unavailable", "error", err)
		return nil
	}
	if confidence < r.cfg.ConfidenceThreshold {
		r.logger.Debug("intent below threshold", "intent", intent, "confidence", confidence)
		return nil
	}

	mode, ok := intentModes[intent]
	if !ok {
		return nil
	}
	if mode == ModeStandardResearch && depthModifiers.MatchString(text) {
		mode = ModeDeepResearch
	}
	return &Decision{
		Mode:     mode,
		Messages: scan.Stripped,
		Reason:   fmt.Sprintf("auto-detected %s (%.2f)", intent, confidence),
	}
}

// intentModes maps classifier labels to modes. "general" stays on the
// default path so it falls through to pure LLM.
var intentModes = map[string]Mode{
	"research":      ModeStandardResearch,
	"deep_research": ModeDeepResearch,
	"action":        ModeAutonomous,
}

func lastUserText(messages []protocol.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			return messages[i].Content.AsText()
		}
	}
	return ""
}
