// Package crawler defines the domain types, interfaces, and error taxonomy
// shared by the activity discovery pipeline: fetch results, activity
// candidates and records, site health records, and URL helpers.
package crawler
