package store

import "github.com/felixgeelhaar/conductor/internal/pattern"

// Storage defines the persistence interface for learned patterns.
// All writes are synchronous: when a call returns, the data is durable and
// visible to every subsequent query.
type Storage interface {
	// Pattern management
	SavePattern(p *pattern.AutomationPattern) error
	GetPattern(id string) (*pattern.AutomationPattern, error)
	ListPatterns() ([]*pattern.AutomationPattern, error)
	PatternsByMessageType(messageType string) ([]*pattern.AutomationPattern, error)
	PatternsByDomain(domain string) ([]*pattern.AutomationPattern, error)
	DeletePattern(id string) error

	// Configuration management
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)

	Close() error
}
