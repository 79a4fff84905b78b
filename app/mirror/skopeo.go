package mirror

// Package mirror syncs upstream repositories into local mirror-state
// repositories through the skopeo binary. Image bytes never pass through this
// process, skopeo talks to both registries directly.

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
)

// commandTimeout bounds a single skopeo invocation. Copies of very large
// images are expected to finish well within it, a stuck transport is not.
const commandTimeout = 300 * time.Second

// Credentials for one side of a skopeo call, zero value means anonymous.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) empty() bool { return c.Username == "" && c.Password == "" }

func (c Credentials) flag() string { return c.Username + ":" + c.Password }

// Runner executes one skopeo invocation and returns its stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

func skopeoRunner(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "skopeo", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, errors.Errorf("skopeo %s failed: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, errors.Wrapf(err, "failed to run skopeo %s", args[0])
	}
	return out, nil
}

// Skopeo wraps the binary. The zero value is not usable, construct with New.
type Skopeo struct {
	run Runner
	l   log.L
}

// New makes a skopeo wrapper running the real binary.
func New(l log.L) *Skopeo {
	if l == nil {
		l = log.Default()
	}
	return &Skopeo{run: skopeoRunner, l: l}
}

// ListTags enumerates the tags of an upstream repository reference.
func (s *Skopeo) ListTags(ctx context.Context, ref string, creds Credentials, tlsVerify bool) ([]string, error) {
	args := []string{"list-tags"}
	if !tlsVerify {
		args = append(args, "--tls-verify=false")
	}
	if !creds.empty() {
		args = append(args, "--creds", creds.flag())
	}
	args = append(args, "docker://"+ref)

	out, err := s.run(ctx, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tags of %s", ref)
	}

	var listed struct {
		Tags []string `json:"Tags"`
	}
	if err = json.Unmarshal(out, &listed); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tag listing of %s", ref)
	}
	return listed.Tags, nil
}

// CopyAll copies one tag with every architecture variant from src to dst.
func (s *Skopeo) CopyAll(ctx context.Context, src, dst string, srcCreds, dstCreds Credentials, srcTLSVerify, dstTLSVerify bool) error {
	args := []string{"copy", "--all"}
	if !srcTLSVerify {
		args = append(args, "--src-tls-verify=false")
	}
	if !dstTLSVerify {
		args = append(args, "--dest-tls-verify=false")
	}
	if !srcCreds.empty() {
		args = append(args, "--src-creds", srcCreds.flag())
	}
	if !dstCreds.empty() {
		args = append(args, "--dest-creds", dstCreds.flag())
	}
	args = append(args, "docker://"+src, "docker://"+dst)

	s.l.Logf("[DEBUG] skopeo copy %s -> %s", src, dst)
	if _, err := s.run(ctx, args...); err != nil {
		return errors.Wrapf(err, "failed to copy %s", src)
	}
	return nil
}
