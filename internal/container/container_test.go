// Foundry is a self-hosted continuous-integration and deployment system.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package container

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

// fakeDockerExec substitutes `sh -c <script>` for the `docker ...` argv so
// tests don't need a real Docker daemon, following the teacher's
// substitute-the-ExecFunc test idiom.
func fakeDockerExec(script string) ExecFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestRunStreamsOutput(t *testing.T) {
	rt := NewWithExec(fakeDockerExec("echo line1; echo line2"))
	var buf bytes.Buffer
	err := rt.Run(context.Background(), RunSpec{Image: "alpine", Command: []string{"true"}}, &buf)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "line1") || !strings.Contains(out, "line2") {
		t.Fatalf("expected both lines in output, got %q", out)
	}
}

func TestRunNonZeroExitReturnsError(t *testing.T) {
	rt := NewWithExec(fakeDockerExec("echo boom; exit 3"))
	var buf bytes.Buffer
	err := rt.Run(context.Background(), RunSpec{Image: "alpine"}, &buf)
	if err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if cerr.Code != 3 {
		t.Fatalf("expected exit code 3, got %d", cerr.Code)
	}
}

func TestImageTagTruncatesSHA(t *testing.T) {
	tag := ImageTag("My-App", "0123456789abcdefdeadbeef")
	if tag != "my-app:0123456789ab" {
		t.Fatalf("unexpected tag: %s", tag)
	}
}
