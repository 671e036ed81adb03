package session

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"syscall"
	"time"
)

var lichReadyRe = regexp.MustCompile(`LICH_READY port=(\d+)`)

// Launcher runs a Lich scripting proxy between the gateway and the
// game. Lich gets the real session via a .sal launch file, opens a
// local listener, and the gateway connects to that listener as if it
// were the game itself.
type Launcher struct {
	// LichPath is the lich.rbw entry point.
	LichPath string
	// RubyBin overrides the interpreter, for tests. Empty means
	// "ruby" from PATH.
	RubyBin string
	// ReadyTimeout bounds the wait for Lich's listener
	// announcement. Zero means 30 seconds.
	ReadyTimeout time.Duration

	cmd     *exec.Cmd
	salPath string
}

// Launch writes the .sal file, starts Lich and waits for its local
// listener announcement. Returns the port the gateway should connect
// to instead of info's game host.
func (l *Launcher) Launch(info *LoginInfo, gameCode string) (int, error) {
	salPath, err := l.writeSAL(info, gameCode)
	if err != nil {
		return 0, err
	}
	l.salPath = salPath

	ruby := l.RubyBin
	if ruby == "" {
		ruby = "ruby"
	}
	cmd := exec.Command(ruby, l.LichPath, "--dragonrealms", "--frostbite", salPath)

	pr, pw, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("launcher pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	log.Printf("[lich] starting: %s %s", ruby, l.LichPath)
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return 0, fmt.Errorf("starting lich: %w", err)
	}
	pw.Close()
	l.cmd = cmd

	timeout := l.ReadyTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ready := make(chan int, 1)
	go func() {
		sc := bufio.NewScanner(pr)
		announced := false
		for sc.Scan() {
			line := sc.Text()
			log.Printf("[lich] %s", line)
			if announced {
				continue
			}
			if m := lichReadyRe.FindStringSubmatch(line); m != nil {
				port, _ := strconv.Atoi(m[1])
				announced = true
				ready <- port
			}
		}
		pr.Close()
		if !announced {
			close(ready)
		}
	}()

	select {
	case port, ok := <-ready:
		if !ok {
			l.Shutdown()
			return 0, fmt.Errorf("lich exited before opening its listener")
		}
		log.Printf("[lich] listening on port %d", port)
		return port, nil
	case <-time.After(timeout):
		l.Shutdown()
		return 0, fmt.Errorf("lich did not start listening within %s", timeout)
	}
}

// Shutdown terminates Lich and removes the launch file. Safe to call
// when nothing was launched.
func (l *Launcher) Shutdown() {
	if l.cmd != nil && l.cmd.Process != nil {
		log.Printf("[lich] stopping (pid %d)", l.cmd.Process.Pid)
		l.cmd.Process.Signal(syscall.SIGTERM)
		l.cmd.Wait()
		l.cmd = nil
	}
	if l.salPath != "" {
		os.Remove(l.salPath)
		l.salPath = ""
	}
}

// writeSAL writes the launch file Lich reads its session from. The
// CUSTOMLAUNCH line makes Lich announce its listener port on stdout
// instead of spawning a front end.
func (l *Launcher) writeSAL(info *LoginInfo, gameCode string) (string, error) {
	f, err := os.CreateTemp("", "lich*.sal")
	if err != nil {
		return "", fmt.Errorf("creating sal file: %w", err)
	}
	fmt.Fprintf(f, "GAMECODE=%s\n", gameCode)
	fmt.Fprintf(f, "GAMEHOST=%s\n", info.Host)
	fmt.Fprintf(f, "GAMEPORT=%d\n", info.Port)
	fmt.Fprintf(f, "GAME=STORM\n")
	fmt.Fprintf(f, "KEY=%s\n", info.Key)
	fmt.Fprintf(f, "CUSTOMLAUNCH=echo LICH_READY port=%%port%%\n")
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing sal file: %w", err)
	}
	return f.Name(), nil
}
