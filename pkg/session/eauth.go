// Package session owns the path between the gateway and the game:
// the eAccess authentication handshake, the TCP game connection, and
// the optional Lich proxy sitting in between.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const authPacketSize = 8192

// LoginInfo is a granted game session: where to connect and the
// one-shot key that authenticates it.
type LoginInfo struct {
	Host string
	Port int
	Key  string
}

var (
	charHeaderRe   = regexp.MustCompile(`^C\t[0-9]+\t[0-9]+\t[0-9]+\t[0-9]+[\t\n]`)
	charPairRe     = regexp.MustCompile(`[^\t]+\t[^\t\n]+`)
	subscriptionRe = regexp.MustCompile(`NORMAL|PREMIUM|TRIAL|INTERNAL|FREE`)
)

// Authenticate runs the eAccess handshake against addr (host:port)
// and resolves character to a game host, port and session key. The
// exchange is a fixed sequence of tab-separated request letters; any
// unexpected response aborts with the server's text in the error.
func Authenticate(ctx context.Context, addr, account, password, character, gameCode string) (*LoginInfo, error) {
	// The auth server presents a certificate no system root trusts;
	// the protocol predates public CAs.
	dialer := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to auth server %s: %w", addr, err)
	}
	conn := rawConn.(*tls.Conn)
	defer conn.Close()

	buf := make([]byte, authPacketSize)
	exchange := func(req string) (string, error) {
		if _, err := conn.Write([]byte(req + "\n")); err != nil {
			return "", fmt.Errorf("auth write: %w", err)
		}
		n, err := conn.Read(buf)
		if err != nil {
			return "", fmt.Errorf("auth read: %w", err)
		}
		return string(buf[:n]), nil
	}

	hashkey, err := exchange("K")
	if err != nil {
		return nil, err
	}

	resp, err := exchange(fmt.Sprintf("A\t%s\t%s", account, obfuscatePassword(password, hashkey)))
	if err != nil {
		return nil, err
	}
	if !strings.Contains(resp, "KEY\t") {
		return nil, fmt.Errorf("authentication failed: %s", strings.TrimSpace(resp))
	}

	if resp, err = exchange("M"); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(resp, "M\t") {
		return nil, fmt.Errorf("game list request failed: %s", strings.TrimSpace(resp))
	}

	if resp, err = exchange("F\t" + gameCode); err != nil {
		return nil, err
	}
	if !subscriptionRe.MatchString(resp) {
		return nil, fmt.Errorf("subscription check failed: %s", strings.TrimSpace(resp))
	}

	if _, err = exchange("G\t" + gameCode); err != nil {
		return nil, err
	}
	if _, err = exchange("P\t" + gameCode); err != nil {
		return nil, err
	}

	if resp, err = exchange("C"); err != nil {
		return nil, err
	}
	charCode := findCharacterCode(resp, character)
	if charCode == "" {
		return nil, fmt.Errorf("character %q not found on account", character)
	}

	if resp, err = exchange(fmt.Sprintf("L\t%s\tSTORM", charCode)); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(resp, "L\t") {
		return nil, fmt.Errorf("launch request failed: %s", strings.TrimSpace(resp))
	}

	return parseLaunchResponse(resp)
}

// obfuscatePassword applies the wire scrambling the auth server
// expects: each byte shifted into the printable range, XORed with the
// corresponding hashkey byte, and shifted back. A password longer
// than the hashkey scrambles only the keyed prefix; the remainder
// passes through and the server rejects it as a bad credential.
func obfuscatePassword(password, hashkey string) string {
	pw := []byte(password)
	hk := []byte(hashkey)
	out := make([]byte, len(pw))
	copy(out, pw)
	n := len(pw)
	if len(hk) < n {
		n = len(hk)
	}
	for i := 0; i < n; i++ {
		out[i] = ((pw[i] - 32) ^ hk[i]) + 32
	}
	return string(out)
}

// findCharacterCode scans the C response's code/name pairs for the
// named character and returns its code, or empty.
func findCharacterCode(resp, character string) string {
	body := charHeaderRe.ReplaceAllString(resp, "")
	for _, pair := range charPairRe.FindAllString(body, -1) {
		code, name, ok := strings.Cut(pair, "\t")
		if ok && name == character {
			return code
		}
	}
	return ""
}

// parseLaunchResponse extracts gamehost, gameport and key from the
// L OK key=value list.
func parseLaunchResponse(resp string) (*LoginInfo, error) {
	body := strings.TrimPrefix(resp, "L\tOK\t")
	fields := make(map[string]string)
	for _, kv := range strings.Split(strings.TrimSpace(body), "\t") {
		if k, v, ok := strings.Cut(kv, "="); ok {
			fields[strings.ToLower(k)] = v
		}
	}

	info := &LoginInfo{
		Host: fields["gamehost"],
		Key:  fields["key"],
	}
	if info.Host == "" || info.Key == "" {
		return nil, fmt.Errorf("malformed launch response: %s", strings.TrimSpace(resp))
	}
	port, err := strconv.Atoi(fields["gameport"])
	if err != nil {
		return nil, fmt.Errorf("malformed game port in launch response: %s", fields["gameport"])
	}
	info.Port = port
	return info, nil
}
