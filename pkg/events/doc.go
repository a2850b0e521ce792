/*
Package events is an in-memory, best-effort pub-sub broker for client
lifecycle notifications (greeted, active, farewell, fenced, reclaimed,
recovery complete). Publish waits while the broker's 100-event queue is
full, until the broker is stopped; a subscriber whose 50-event buffer is
full misses events, the same trade-off the teacher's broker made for
cluster events.
*/
package events
