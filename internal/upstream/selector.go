package upstream

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"socks5balancer/internal/shared/logger"
)

// Rule is the upstream selection policy.
type Rule int

const (
	RuleLoop Rule = iota
	RuleOneByOne
	RuleChangeByTime
	RuleRandom
)

func (r Rule) String() string {
	switch r {
	case RuleLoop:
		return "loop"
	case RuleOneByOne:
		return "one_by_one"
	case RuleChangeByTime:
		return "change_by_time"
	case RuleRandom:
		return "random"
	}
	return "unknown"
}

// ParseRule maps the config string onto a Rule.
func ParseRule(s string) (Rule, error) {
	switch s {
	case "loop":
		return RuleLoop, nil
	case "one_by_one":
		return RuleOneByOne, nil
	case "change_by_time":
		return RuleChangeByTime, nil
	case "random":
		return RuleRandom, nil
	}
	return RuleRandom, fmt.Errorf("unknown upstream_select_rule: %q", s)
}

// Selector picks one eligible server per new connection according to the
// configured rule. It shares the Registry's serialization domain; the cursor
// and change timestamp live in the Registry itself.
type Selector struct {
	registry         *Registry
	rule             Rule
	serverChangeTime time.Duration
	rng              *rand.Rand
	now              func() time.Time
	logger           zerolog.Logger
}

func NewSelector(registry *Registry, rule Rule, serverChangeTime time.Duration) *Selector {
	return &Selector{
		registry:         registry,
		rule:             rule,
		serverChangeTime: serverChangeTime,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		now:              time.Now,
		logger:           logger.WithComponent("Selector"),
	}
}

// Pick returns an eligible server, or nil when the pool is starved. The
// eligibility of the returned server held at the moment of return.
func (s *Selector) Pick() *Server {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	var picked *Server
	switch s.rule {
	case RuleLoop:
		picked = r.getNextServer()
	case RuleOneByOne:
		picked = r.tryGetLastServer()
	case RuleChangeByTime:
		if s.now().Sub(r.lastChangeUpstreamTime) >= s.serverChangeTime {
			picked = r.getNextServer()
			r.lastChangeUpstreamTime = s.now()
		} else {
			picked = r.tryGetLastServer()
		}
	case RuleRandom:
		eligible := r.filterEligible()
		if len(eligible) > 0 {
			picked = eligible[s.rng.Intn(len(eligible))]
		}
	}

	if picked == nil {
		s.logger.Debug().Str("rule", s.rule.String()).Msg("no eligible upstream")
	} else {
		s.logger.Debug().Str("rule", s.rule.String()).Int("index", picked.Index).Str("name", picked.Name).Msg("picked upstream")
	}
	return picked
}
