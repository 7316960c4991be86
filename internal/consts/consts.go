package consts

const (
	SSEDataPrefix  = "data: "
	SSEEventPrefix = "event: "
	SSEEnd         = "\n\n"

	// Redis keys and channels.
	LocationKeyPrefix     = "loc:"
	AccessKeyPrefix       = "acl:"
	DedupeKeyPrefix       = "cmd"
	DefaultUpdatesChannel = "board-updates"

	// Azure table row keys.
	BoardRowKey   = "board"
	ListRowPrefix = "list:"
	CardRowPrefix = "card:"
)
