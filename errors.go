/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Protocol error kinds. All of these are recoverable at the gateway and are
// surfaced only to the originating connection as an errorMessage.
var (
	errCapacityExceeded  = errors.New("room code space exhausted")
	errDuplicateResponse = errors.New("student already responded this round")
	errDuplicateUsername = errors.New("username already taken in room")
	errInvalidUsername   = errors.New("invalid username")
	errMalformedQuestion = errors.New("malformed question")
	errNoActiveToss      = errors.New("no toss is open for responses")
	errRoomNotFound      = errors.New("room not found")
	errUnauthorized      = errors.New("operation not permitted for this participant")
)

// wireError maps an error kind to the code carried by errorMessage. The
// client keys its recovery behavior off these strings, so "roomCode" and
// "username" in particular are load-bearing.
func wireError(err error) string {
	switch {
	case errors.Is(err, errRoomNotFound):
		return "roomCode"
	case errors.Is(err, errInvalidUsername), errors.Is(err, errDuplicateUsername):
		return "username"
	case errors.Is(err, errUnauthorized):
		return "unauthorized"
	case errors.Is(err, errNoActiveToss):
		return "noActiveToss"
	case errors.Is(err, errDuplicateResponse):
		return "duplicateResponse"
	case errors.Is(err, errMalformedQuestion):
		return "malformedQuestion"
	case errors.Is(err, errCapacityExceeded):
		return "capacity"
	default:
		return "internal"
	}
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
