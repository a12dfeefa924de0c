package forksrv

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// forkserverFD is the control pipe descriptor number fixed by AFL
// convention; forkserverFD+1 is the status pipe.
const forkserverFD = 198

// SubprocessError wraps any pipe I/O, syscall, or protocol failure talking
// to the forked target. The worker's sole recovery policy on this error is
// to restart the ForkServer (see internal/worker).
type SubprocessError struct {
	Op  string
	Err error
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("forksrv: %s: %v", e.Op, e.Err)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SubprocessError{Op: op, Err: err}
}

// ForkServer owns one long-lived target process, its coverage shared
// memory segment, its input tempfile, and the control/status pipe pair.
type ForkServer struct {
	path       string
	args       []string
	hideOutput bool
	timeout    time.Duration

	inputFile *os.File
	ctlIn     *os.File
	stOutFd   int
	shmID     int
	bitmap    []byte
	childPid  int
}

// New spawns path under the fork-server protocol. args is the target's
// argument list; a literal "@@" entry is replaced with the input tempfile's
// path. bitmapSize is the coverage shared-memory segment size; extension is
// the suffix used for the input tempfile (e.g. ".json").
func New(path string, args []string, hideOutput bool, timeoutInMillis int64, bitmapSize int, extension string) (*ForkServer, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("forksrv: resolving target path %s: %w", path, err)
	}

	inputFile, err := os.CreateTemp("", "nautilus-input-*"+extension)
	if err != nil {
		return nil, fmt.Errorf("forksrv: creating input tempfile: %w", err)
	}
	inputPath := inputFile.Name()

	shmID, bitmap, err := createSharedBitmap(bitmapSize)
	if err != nil {
		inputFile.Close()
		os.Remove(inputPath)
		return nil, fmt.Errorf("forksrv: %w", err)
	}

	var ctlOut, ctlIn, stOut, stIn int
	if ctlOut, ctlIn, err = pipe2(); err != nil {
		return nil, fmt.Errorf("forksrv: creating control pipe: %w", err)
	}
	if stOut, stIn, err = pipe2(); err != nil {
		return nil, fmt.Errorf("forksrv: creating status pipe: %w", err)
	}

	argv := append([]string{resolved}, substituteArgTempfile(args, inputPath)...)

	env := []string{
		fmt.Sprintf("__AFL_SHM_ID=%d", shmID),
		"ASAN_OPTIONS=exitcode=223,abort_on_error=true,detect_leaks=0,symbolize=0",
	}

	devNull := -1
	if hideOutput {
		devNull, err = unix.Open("/dev/null", unix.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("forksrv: opening /dev/null: %w", err)
		}
		defer unix.Close(devNull)
	}

	// Files[i] becomes fd i in the child; ^uintptr(0) marks a slot as
	// "close this fd" (it round-trips to -1 once forkExec converts it).
	files := make([]uintptr, forkserverFD+2)
	for i := range files {
		files[i] = ^uintptr(0)
	}
	files[0] = inputFile.Fd()
	if hideOutput {
		files[1] = uintptr(devNull)
		files[2] = uintptr(devNull)
	} else {
		files[1] = os.Stdout.Fd()
		files[2] = os.Stderr.Fd()
	}
	files[forkserverFD] = uintptr(ctlOut)
	files[forkserverFD+1] = uintptr(stIn)

	pid, err := syscall.ForkExec(resolved, argv, &syscall.ProcAttr{
		Env:   env,
		Files: files,
	})
	unix.Close(ctlOut)
	unix.Close(stIn)
	if err != nil {
		unix.Close(ctlIn)
		unix.Close(stOut)
		return nil, fmt.Errorf("forksrv: forking target: %w", err)
	}

	fs := &ForkServer{
		path:       resolved,
		args:       args,
		hideOutput: hideOutput,
		timeout:    time.Duration(timeoutInMillis) * time.Millisecond,
		inputFile:  inputFile,
		ctlIn:      os.NewFile(uintptr(ctlIn), "ctl_in"),
		stOutFd:    stOut,
		shmID:      shmID,
		bitmap:     bitmap,
		childPid:   pid,
	}

	if _, err := fs.readStatusWord(fs.timeout); err != nil {
		fs.Close()
		return nil, wrapErr("waiting for fork-server hello", err)
	}
	return fs, nil
}

// SharedBitmap returns the raw coverage bitmap, writable by the
// instrumented target via shared memory and read by the parent after
// every run.
func (f *ForkServer) SharedBitmap() []byte { return f.bitmap }

// Run delivers data to the target over the fork-server protocol and
// returns its classified exit reason.
func (f *ForkServer) Run(data []byte) (ExitReason, error) {
	for i := range f.bitmap {
		f.bitmap[i] = 0
	}

	if err := f.rewriteInput(data); err != nil {
		return ExitReason{}, wrapErr("rewriting input tempfile", err)
	}

	if _, err := f.ctlIn.Write([]byte{0, 0, 0, 0}); err != nil {
		return ExitReason{}, wrapErr("sending go signal", err)
	}

	pidWord, err := f.readStatusWord(f.timeout)
	if err != nil {
		return ExitReason{}, wrapErr("reading target pid", err)
	}
	pid := int(pidWord)

	statusWord, err := f.readStatusWord(f.timeout)
	if err != nil {
		if err == errTimeout {
			return f.handleTimeout(pid)
		}
		return ExitReason{}, wrapErr("reading wait status", err)
	}
	reason, err := fromWaitStatus(syscall.WaitStatus(statusWord))
	if err != nil {
		return ExitReason{}, wrapErr("classifying wait status", err)
	}
	return reason, nil
}

func (f *ForkServer) handleTimeout(pid int) (ExitReason, error) {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return ExitReason{}, wrapErr("killing timed out process", err)
	}
	// Drain the delayed wait status to resync the protocol; its value is
	// discarded, we already know the outcome was a timeout.
	if _, err := f.readStatusWord(0); err != nil {
		return ExitReason{}, wrapErr("draining timeout status", err)
	}
	return ExitReason{Kind: Timeouted}, nil
}

func (f *ForkServer) rewriteInput(data []byte) error {
	fd := int(f.inputFile.Fd())
	if err := unix.Ftruncate(fd, 0); err != nil {
		return err
	}
	if _, err := unix.Seek(fd, 0, unix.SEEK_SET); err != nil {
		return err
	}
	if _, err := unix.Write(fd, data); err != nil {
		return err
	}
	if _, err := unix.Seek(fd, 0, unix.SEEK_SET); err != nil {
		return err
	}
	return nil
}

var errTimeout = fmt.Errorf("forksrv: read timed out")

// readStatusWord reads one 4-byte little-endian word from the status pipe,
// bounded by timeout (0 means block forever — used only for the
// post-SIGKILL drain, which must eventually complete).
func (f *ForkServer) readStatusWord(timeout time.Duration) (uint32, error) {
	if timeout > 0 {
		pfd := []unix.PollFd{{Fd: int32(f.stOutFd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, errTimeout
		}
	}

	var buf [4]byte
	read := 0
	for read < 4 {
		n, err := unix.Read(f.stOutFd, buf[read:])
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("status pipe closed")
		}
		read += n
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// Close tears down the target process, pipes, tempfile, and shared memory
// segment. The caller must not use the ForkServer afterwards.
func (f *ForkServer) Close() error {
	if f.childPid > 0 {
		syscall.Kill(f.childPid, syscall.SIGKILL)
		var ws syscall.WaitStatus
		syscall.Wait4(f.childPid, &ws, 0, nil)
	}
	if f.ctlIn != nil {
		f.ctlIn.Close()
	}
	if f.stOutFd > 0 {
		unix.Close(f.stOutFd)
	}
	if f.inputFile != nil {
		name := f.inputFile.Name()
		f.inputFile.Close()
		os.Remove(name)
	}
	if len(f.bitmap) > 0 {
		unix.SysvShmDetach(f.bitmap)
	}
	return nil
}

func pipe2() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

// createSharedBitmap allocates a SysV shared-memory segment, attaches it,
// and immediately marks it for removal once the last process detaches so
// it is never leaked if this process crashes.
func createSharedBitmap(size int) (int, []byte, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|unix.IPC_EXCL|0o600)
	if err != nil {
		return 0, nil, fmt.Errorf("shmget: %w", err)
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return 0, nil, fmt.Errorf("shmat: %w", err)
	}
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		return 0, nil, fmt.Errorf("shmctl(IPC_RMID): %w", err)
	}
	return id, data, nil
}

// substituteArgTempfile replaces every literal "@@" argument with tempPath;
// it is a separate function so tests can verify the rule without spawning
// a process.
func substituteArgTempfile(args []string, tempPath string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == "@@" {
			out[i] = tempPath
		} else {
			out[i] = a
		}
	}
	return out
}
