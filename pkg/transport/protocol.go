package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/shardkeep/shardkeep/pkg/xerrors"
)

// post implements the NNTP-like IHAVE/POST sequence: select the group,
// offer the article by subject, then stream the framed body terminated by
// the protocol's dot-stuffed end marker. Returns the server-assigned
// message_id.
func (p *Pool) post(ctx context.Context, subject, group string, body []byte) (string, error) {
	var messageID string
	err := p.withConn(ctx, func(c *conn) error {
		id, err := c.text.Cmd("GROUP %s", group)
		if err != nil {
			return xerrors.New("transport.post", xerrors.TransportRetryable, err)
		}
		c.text.StartResponse(id)
		_, _, err = c.text.ReadCodeLine(211)
		c.text.EndResponse(id)
		if err != nil {
			return xerrors.New("transport.post", xerrors.TransportRetryable, err)
		}

		id, err = c.text.Cmd("POST")
		if err != nil {
			return xerrors.New("transport.post", xerrors.TransportRetryable, err)
		}
		c.text.StartResponse(id)
		_, _, err = c.text.ReadCodeLine(340)
		c.text.EndResponse(id)
		if err != nil {
			return classifyProtocolErr(err, "post refused")
		}

		messageID = fmt.Sprintf("<%s@%s>", subject, group)
		dw := c.text.DotWriter()
		fmt.Fprintf(dw, "Subject: %s\r\n", subject)
		fmt.Fprintf(dw, "Newsgroups: %s\r\n", group)
		fmt.Fprintf(dw, "Message-ID: %s\r\n\r\n", messageID)
		dw.Write(body)
		if err := dw.Close(); err != nil {
			return xerrors.New("transport.post", xerrors.TransportRetryable, err)
		}

		_, _, err = c.text.ReadCodeLine(240)
		if err != nil {
			return classifyProtocolErr(err, "post not accepted")
		}
		return nil
	})
	return messageID, err
}

// retrieve fetches and returns the full article body for messageID.
func (p *Pool) retrieve(ctx context.Context, messageID, group string) ([]byte, error) {
	var out []byte
	err := p.withConn(ctx, func(c *conn) error {
		if group != "" {
			id, err := c.text.Cmd("GROUP %s", group)
			if err == nil {
				c.text.StartResponse(id)
				c.text.ReadCodeLine(211)
				c.text.EndResponse(id)
			}
		}

		id, err := c.text.Cmd("BODY %s", messageID)
		if err != nil {
			return xerrors.New("transport.retrieve", xerrors.TransportRetryable, err)
		}
		c.text.StartResponse(id)
		defer c.text.EndResponse(id)

		_, _, err = c.text.ReadCodeLine(222)
		if err != nil {
			return classifyProtocolErr(err, "article not found")
		}

		dr := c.text.DotReader()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, dr); err != nil {
			return xerrors.New("transport.retrieve", xerrors.TransportRetryable, err)
		}
		out = buf.Bytes()
		return nil
	})
	return out, err
}

// search is best-effort and never participates in correctness-critical
// paths (spec §4.D).
func (p *Pool) search(ctx context.Context, group, subjectPattern string, limit int) ([]string, error) {
	var ids []string
	err := p.withConn(ctx, func(c *conn) error {
		id, err := c.text.Cmd("GROUP %s", group)
		if err != nil {
			return xerrors.New("transport.search", xerrors.TransportRetryable, err)
		}
		c.text.StartResponse(id)
		_, _, err = c.text.ReadCodeLine(211)
		c.text.EndResponse(id)
		if err != nil {
			return xerrors.New("transport.search", xerrors.TransportRetryable, err)
		}

		id, err = c.text.Cmd("XPAT Subject 1- *%s*", subjectPattern)
		if err != nil {
			return xerrors.New("transport.search", xerrors.TransportRetryable, err)
		}
		c.text.StartResponse(id)
		defer c.text.EndResponse(id)

		_, _, err = c.text.ReadCodeLine(221)
		if err != nil {
			// best-effort: a server that doesn't support XPAT simply yields no results
			return nil
		}
		lines, err := c.text.ReadDotLines()
		if err != nil {
			return nil
		}
		for _, line := range lines {
			if len(ids) >= limit {
				break
			}
			ids = append(ids, line)
		}
		return nil
	})
	return ids, err
}
