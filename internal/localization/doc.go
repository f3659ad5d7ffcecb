// Package localization resolves user-facing strings from embedded locale
// files, with parameter substitution and a default-language fallback.
package localization
