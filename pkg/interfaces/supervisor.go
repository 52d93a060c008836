package interfaces

import "peermatch/pkg/types"

// TimeoutNotifier is told about each request the supervisor expired
type TimeoutNotifier interface {
	NotifyTimeout(record *types.RequestRecord)
}
