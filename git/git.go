// Package git provides the git-facing half of the crown engine: command
// execution with credential redaction, diff collection for candidate
// evaluation, and the autocommit-and-push reconciliation flow.
//
// The package is organized into focused modules:
//   - operator.go: Operator struct, command execution, output capture
//   - auth.go: authentication-failure classification and token redaction
//   - diff.go: base-branch detection, remote ref fetching, diff collection
//   - autocommit.go: stage/commit/rebase/push across every workspace repo
package git
