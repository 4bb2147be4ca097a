// Package tokens measures the token cost of text, images and chat message
// lists. Counting is advisory: it never fails, falling back to a
// length-based estimate when the BPE encoder cannot be used.
package tokens
