// Package utils provides shared helpers for the mail queue: the generic retry
// decorator used for transport and storage calls, and recipient glob matching.
package utils
