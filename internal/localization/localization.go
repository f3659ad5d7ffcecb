// ABOUTME: Translation lookup over embedded JSON locale files.
// ABOUTME: Unknown keys fall back to the default language, then the key itself.

package localization

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
)

//go:embed locales/*.json
var localeFS embed.FS

// Translation keys used by the pipeline.
const (
	KeyWelcome            = "welcome"
	KeyInsufficientTokens = "insufficientTokens"
	KeyRateLimited        = "rateLimited"
	KeyToolCallInitiated  = "toolCallInitiated"
	KeyToolAnswerReceived = "toolAnswerReceived"
	KeyErrorProcessing    = "errorProcessingMessage"
	KeyNoResponse         = "noResponse"
	KeyCurrentBalance     = "currentBalance"
	KeyRecentTransactions = "recentTransactions"
	KeyAdminOnly          = "adminOnly"
	KeyBulkUsage          = "bulkMessageUsage"
	KeyBulkSent           = "bulkMessageSent"
	KeyBuyTokensUsage     = "buyTokensUsage"
	KeyBuyTokensTitle     = "buyTokensTitle"
	KeyBuyTokensDesc      = "buyTokensDescription"
	KeyBuyTokensSuccess   = "buyTokensSuccess"
)

// Translator resolves keys to localized strings. It is immutable after Load
// and safe for concurrent use.
type Translator struct {
	translations map[string]map[string]string
	defaultLang  string
	logger       *slog.Logger
}

// Load parses the embedded locale files. defaultLang is used when a user's
// language has no entry for a key.
func Load(defaultLang string, logger *slog.Logger) (*Translator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Translator{
		translations: make(map[string]map[string]string),
		defaultLang:  defaultLang,
		logger:       logger.With("component", "localization"),
	}

	entries, err := fs.ReadDir(localeFS, "locales")
	if err != nil {
		return nil, fmt.Errorf("reading locales: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		lang := strings.TrimSuffix(name, ".json")

		data, err := localeFS.ReadFile("locales/" + name)
		if err != nil {
			return nil, fmt.Errorf("reading locale %s: %w", name, err)
		}

		var strs map[string]string
		if err := json.Unmarshal(data, &strs); err != nil {
			return nil, fmt.Errorf("parsing locale %s: %w", name, err)
		}
		t.translations[lang] = strs
	}

	if _, ok := t.translations[defaultLang]; !ok {
		return nil, fmt.Errorf("default language %q has no locale file", defaultLang)
	}

	t.logger.Debug("locales loaded", "count", len(t.translations), "default", defaultLang)
	return t, nil
}

// Translate resolves key for the given language tag, substituting {param}
// placeholders from params. Missing keys fall back to the default language;
// a key absent everywhere is returned verbatim.
func (t *Translator) Translate(key, lang string, params map[string]any) string {
	text, ok := t.translations[lang][key]
	if !ok {
		text, ok = t.translations[t.defaultLang][key]
	}
	if !ok {
		t.logger.Warn("missing translation", "key", key, "lang", lang)
		text = key
	}

	for name, value := range params {
		text = strings.ReplaceAll(text, "{"+name+"}", fmt.Sprint(value))
	}
	return text
}
