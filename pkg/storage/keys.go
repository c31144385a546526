package storage

// Ephemeral key layout. Every key carries the acn: prefix so that a shared
// or networked key-value backend can be swept by prefix.

func keyLiveness(agentID string) string {
	return "acn:agents:" + agentID + ":alive"
}

func keyActiveCount(taskID string) string {
	return "acn:task:" + taskID + ":active_count"
}

func keyCompletions(taskID string) string {
	return "acn:task:completions:" + taskID
}

func keyBroadcast(broadcastID string) string {
	return "acn:broadcast:" + broadcastID
}

func keyMessageHistory(agentID string) string {
	return "acn:messages:" + agentID
}

func keyWebhookDelivery(deliveryID string) string {
	return webhookDeliveryPrefix + deliveryID
}

const webhookDeliveryPrefix = "acn:webhook:deliveries:"
