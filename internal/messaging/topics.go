package messaging

// Topic constants for the portal's Kafka traffic
const (
	TopicJobs         = "mining.jobs"          // job builder → engines
	TopicShareResults = "mining.share_results" // gateways → stats consumers
	TopicBlockResults = "mining.block_results" // gateways → stats consumers
)
