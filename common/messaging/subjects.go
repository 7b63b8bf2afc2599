package messaging

import "strings"

// Subjects follow {domain}.{kind}.{qualifier}.
const (
	// SubjectChainEvents prefixes raw chain events; the contract id is appended.
	SubjectChainEvents = "chain.events"

	// SubjectChainEventsAll matches every contract.
	SubjectChainEventsAll = SubjectChainEvents + ".>"

	// SubjectLedgerDLQ prefixes dead-lettered stream messages; a reason is appended.
	SubjectLedgerDLQ = "ledger.dlq"

	// SubjectLedgerDLQAll matches every dead-letter reason.
	SubjectLedgerDLQAll = SubjectLedgerDLQ + ".>"
)

// ChainEventSubject returns the subject a contract's events are published on.
// Dots in the contract id would split the token, so they are replaced.
// Example: chain.events.CBETS
func ChainEventSubject(contract string) string {
	return SubjectChainEvents + "." + token(contract)
}

// DLQSubject returns the dead-letter subject for a failure reason.
// Example: ledger.dlq.decode
func DLQSubject(reason string) string {
	return SubjectLedgerDLQ + "." + token(reason)
}

func token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
