// Package mail holds the SMTP transport used by the queue processor, the HTML
// templates of the transactional emails, and the Service through which the rest of
// the application enqueues them.
package mail
