package theme

import (
	"os"
	"strings"
)

// SymbolSet holds the UI symbols, allowing runtime switching between
// Unicode and ASCII fallback sets.
type SymbolSet struct {
	Success  string
	Error    string
	Warning  string
	Running  string
	Bullet   string
	Ellipsis string
}

var unicodeSymbols = SymbolSet{
	Success:  "\u2713", // ✓
	Error:    "\u2717", // ✗
	Warning:  "\u26A0", // ⚠
	Running:  "\u25CF", // ●
	Bullet:   "\u2022", // •
	Ellipsis: "\u2026", // …
}

var asciiSymbols = SymbolSet{
	Success:  "[OK]",
	Error:    "[ERR]",
	Warning:  "[!]",
	Running:  "[*]",
	Bullet:   "*",
	Ellipsis: "...",
}

// Symbol variables, set by InitSymbols. Default to Unicode glyphs with an
// ASCII fallback on non-UTF8 terminals.
var (
	SymbolSuccess  = unicodeSymbols.Success
	SymbolError    = unicodeSymbols.Error
	SymbolWarning  = unicodeSymbols.Warning
	SymbolRunning  = unicodeSymbols.Running
	SymbolBullet   = unicodeSymbols.Bullet
	SymbolEllipsis = unicodeSymbols.Ellipsis
)

// DetectUnicodeSupport checks whether the terminal likely supports Unicode.
// Priority: OPSFLOW_ASCII_SYMBOLS env (explicit override) > locale detection.
func DetectUnicodeSupport() bool {
	if v := os.Getenv("OPSFLOW_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}

	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return true
		}
	}

	// Most modern terminals support Unicode; default to true.
	return true
}

// InitSymbols sets the package-level Symbol* variables based on terminal
// capabilities. Called automatically by init(), but can be called again
// if the environment changes (e.g., in tests).
func InitSymbols() {
	set := unicodeSymbols
	if !DetectUnicodeSupport() {
		set = asciiSymbols
	}

	SymbolSuccess = set.Success
	SymbolError = set.Error
	SymbolWarning = set.Warning
	SymbolRunning = set.Running
	SymbolBullet = set.Bullet
	SymbolEllipsis = set.Ellipsis
}

func init() {
	InitSymbols()
}
