// Package report renders network reports.
//
// A Report is collected from the controller's status detail, the capture
// listing and the circuit event history of one network. Writers render it
// as plain text for terminals, Markdown with a mermaid chart of node
// statuses, or JSON for tools.
package report
