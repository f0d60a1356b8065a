package store

import "fmt"

func taskKey(taskID string) string            { return fmt.Sprintf("task:%s", taskID) }
func taskPromptKey(taskID string) string      { return fmt.Sprintf("task:%s:prompt", taskID) }
func taskResultKey(taskID string) string      { return fmt.Sprintf("task:%s:result", taskID) }
func taskErrorKey(taskID string) string       { return fmt.Sprintf("task:%s:error", taskID) }
func taskCallbackURLKey(taskID string) string { return fmt.Sprintf("task:%s:callback_url", taskID) }
func taskCallbackSecretKey(taskID string) string {
	return fmt.Sprintf("task:%s:callback_secret", taskID)
}

func tasksByStateKey(state TaskState) string     { return fmt.Sprintf("tasks:%s", state) }
func tasksByBatchKey(batchID string) string       { return fmt.Sprintf("tasks:batch:%s", batchID) }
func tasksByDocumentKey(documentID string) string { return fmt.Sprintf("tasks:document:%s", documentID) }

func outboxMessageKey(messageID string) string { return fmt.Sprintf("outbox:message:%s", messageID) }

const (
	outboxPendingKey = "outbox:pending"
	outboxSentKey    = "outbox:sent"
)

func outboxByTaskKey(taskID string) string         { return fmt.Sprintf("outbox:task:%s", taskID) }
func outboxByDocumentKey(documentID string) string { return fmt.Sprintf("outbox:document:%s", documentID) }
