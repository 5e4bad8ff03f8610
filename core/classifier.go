package core

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// DefaultLivenessPath is the connectivity probe path. Requests for it
// must always hit the network, otherwise offline detection would lie.
const DefaultLivenessPath = "/up"

// DefaultTilePattern matches vendor map tile URLs. Tiles are cached by
// a separate layer and must not be double-cached here.
const DefaultTilePattern = `^https?://[^/]*tiles?[^/]*/.*\.(png|pbf|mvt)(\?.*)?$`

type ClassifierConfig struct {
	// Path suffix of the liveness check. Defaults to DefaultLivenessPath.
	LivenessPath string
	// Regexp for the vendor tile service. Defaults to DefaultTilePattern.
	TilePattern string
	// Additional exclusion regexps matched against the full URL.
	ExcludePatterns []string
}

// Classifier decides whether an intercepted request is cache-eligible.
// Exclusions are checked before any cache read or write happens.
type Classifier struct {
	livenessPath string
	tilePattern  *regexp.Regexp
	exclude      []*regexp.Regexp
}

func NewClassifier(config ClassifierConfig) (Classifier, error) {
	c := Classifier{livenessPath: config.LivenessPath}
	if c.livenessPath == "" {
		c.livenessPath = DefaultLivenessPath
	}
	tilePattern := config.TilePattern
	if tilePattern == "" {
		tilePattern = DefaultTilePattern
	}
	var err error
	if c.tilePattern, err = regexp.Compile(tilePattern); err != nil {
		return c, fmt.Errorf("tile pattern: %w", err)
	}
	for i, pattern := range config.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return c, fmt.Errorf("exclude[%d]: %w", i, err)
		}
		c.exclude = append(c.exclude, re)
	}
	return c, nil
}

// Classify reports whether the request is cache-eligible, and if not,
// the forward reason to use in the Cache-Status header.
func (c Classifier) Classify(r *http.Request) (bool, CacheStatusFwdReason) {
	if r.Method != http.MethodGet {
		return false, FwdReasonMethod
	}
	if scheme := r.URL.Scheme; scheme != "" && scheme != "http" && scheme != "https" {
		return false, FwdReasonBypass
	}
	if strings.HasSuffix(r.URL.Path, c.livenessPath) {
		return false, FwdReasonBypass
	}
	// intercepted server-side requests carry relative URLs; rebuild an
	// absolute form so host-anchored patterns can match
	uri := r.URL.String()
	if !r.URL.IsAbs() {
		uri = "http://" + r.Host + r.URL.RequestURI()
	}
	if c.tilePattern.MatchString(uri) {
		return false, FwdReasonBypass
	}
	for _, re := range c.exclude {
		if re.MatchString(uri) {
			return false, FwdReasonBypass
		}
	}
	return true, ""
}

func (c Classifier) Cacheable(r *http.Request) bool {
	cacheable, _ := c.Classify(r)
	return cacheable
}
