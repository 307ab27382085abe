package stalkd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

const (
	cmdQuit               = "quit"
	cmdAuth               = "auth"
	cmdPut                = "put"
	cmdUse                = "use"
	cmdReserve            = "reserve"
	cmdReserveWithTimeout = "reserve-with-timeout"
	cmdDelete             = "delete"
	cmdRelease            = "release"
	cmdWatch              = "watch"
	cmdIgnore             = "ignore"
	cmdPeekReady          = "peek-ready"
	cmdPeekDelayed        = "peek-delayed"

	endLine           = "\r\n"
	resOK             = "OK" + endLine
	resUnauthorized   = "UNAUTHORIZED" + endLine
	resUnknownCommand = "UNKNOWN_COMMAND" + endLine
	resInserted       = "INSERTED %d" + endLine
	resUsing          = "USING %s" + endLine
	resReserved       = "RESERVED %d %d" + endLine + "%s" + endLine
	resFound          = "FOUND %d %d" + endLine + "%s" + endLine
	resTimedOut       = "TIMED_OUT" + endLine
	resNotFound       = "NOT_FOUND" + endLine
	resDeleted        = "DELETED" + endLine
	resReleased       = "RELEASED" + endLine
	resWatching       = "WATCHING %d" + endLine
	resNotIgnored     = "NOT_IGNORED" + endLine
)

var errMissingLineEnd = errors.New("expected crlf")

func readFullLine(reader *bufio.Reader) (string, error) {
	var buf strings.Builder

	for {
		l, more, err := reader.ReadLine()
		if err != nil {
			return "", err
		}

		buf.Write(l)

		if !more {
			break
		}
	}

	return buf.String(), nil
}

func readBlob(reader *bufio.Reader, size int) ([]byte, error) {
	data := make([]byte, size+2)

	_, err := io.ReadFull(reader, data)
	if err != nil {
		return nil, err
	}

	if !slices.Equal(data[size:], []byte(endLine)) {
		return nil, errMissingLineEnd
	}

	return data[0:size], nil
}

func writeLine(writer io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(writer, format, args...)

	return err
}
