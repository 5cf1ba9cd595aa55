// Package core contains the triage domain contracts, entities, error taxonomy,
// configuration and the credential refresh state machine. Storage, transport,
// provider and pipeline packages depend on this package; core must not depend
// on any of them.
package core
