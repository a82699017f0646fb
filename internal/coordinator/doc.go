// Package coordinator ties the task store and client registry together. It
// serves synchronous task assignment for polling clients, and runs the two
// background duties that keep the system live under churn: reconciling
// stale clients (reaping their tasks back to pending) and enforcing task
// deadlines (expiring work no client will ever finish).
package coordinator
