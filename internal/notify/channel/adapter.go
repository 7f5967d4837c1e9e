// Package channel implements the delivery transports behind one minimal send
// contract. New transports are added by implementing Adapter and registering
// in the dispatcher's type lookup; there are no hierarchies.
package channel

import (
	"context"

	"alertflow/internal/notify"
)

// Adapter delivers one notification to one recipient. Implementations must be
// safe for concurrent use; the dispatcher fans out to many recipients at once.
type Adapter interface {
	// Type is the transport discriminator recipients select by.
	Type() notify.ChannelType
	// ChannelID is the registry channel this adapter is bound to, used for
	// quiet-hours and rate-limit lookups.
	ChannelID() string
	// Send delivers n to r or returns an error describing why it could not.
	Send(ctx context.Context, n notify.Notification, r notify.Recipient) error
}
