// Package secrets redacts credentials from text before it leaves the
// process.
//
// Worker turns run with shell and file access, so their output can echo
// tokens read from the environment or config files. A Scrubber sits in
// front of every outbound event and replaces anything matching its rules
// with a redaction marker. Two engines are available: a compact regexp
// rule set, and the gitleaks default rule set for broader coverage.
package secrets
