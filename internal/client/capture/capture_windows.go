//go:build windows

package capture

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// modWinDivert is loaded lazily, the same NewLazySystemDLL + NewProc(...).Addr()
// pattern TunGo uses for wintun.dll in infrastructure/PAL/windows/wintun_windows.go.
var (
	modWinDivert = windows.NewLazySystemDLL("WinDivert.dll")

	procOpen  = modWinDivert.NewProc("WinDivertOpen")
	procRecv  = modWinDivert.NewProc("WinDivertRecv")
	procSend  = modWinDivert.NewProc("WinDivertSend")
	procClose = modWinDivert.NewProc("WinDivertClose")

	loadOnce sync.Once
	loadErr  error
)

func init() {
	Open = openWinDivert
}

func ensureLoaded() error {
	loadOnce.Do(func() {
		loadErr = modWinDivert.Load()
	})
	return loadErr
}

type winDivertHandle struct {
	handle uintptr
}

// openWinDivert opens a network-layer WinDivert handle on the compiled
// filter expression, matching windivert.rs's WinDivert::network(&filter, 0, ...).
func openWinDivert(filter string) (Handle, error) {
	if err := ensureLoaded(); err != nil {
		return nil, fmt.Errorf("capture: load WinDivert.dll: %w", err)
	}

	filterPtr, err := syscall.BytePtrFromString(filter)
	if err != nil {
		return nil, fmt.Errorf("capture: encode filter: %w", err)
	}

	// layer=0 (NETWORK), priority=0, flags=0 — transparent capture, no re-injection.
	r1, _, errno := procOpen.Call(
		uintptr(unsafe.Pointer(filterPtr)),
		0, 0, 0,
	)
	if r1 == 0 || r1 == invalidHandleValue {
		return nil, fmt.Errorf("capture: WinDivertOpen failed: %v", errno)
	}

	return &winDivertHandle{handle: r1}, nil
}

// addrSize is sizeof(WINDIVERT_ADDRESS) on the wire WinDivert.dll expects;
// it's treated as opaque bytes and only ever round-tripped between Recv
// and a later Send, never parsed here.
const addrSize = 64

func (h *winDivertHandle) Recv(buf []byte) (int, []byte, error) {
	var addr [addrSize]byte
	var recvLen uint32

	r1, _, errno := procRecv.Call(
		h.handle,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&recvLen)),
		uintptr(unsafe.Pointer(&addr[0])),
	)
	if r1 == 0 {
		return 0, nil, fmt.Errorf("capture: WinDivertRecv failed: %v", errno)
	}
	out := make([]byte, addrSize)
	copy(out, addr[:])
	return int(recvLen), out, nil
}

// Send injects rawPacket into the network stack. addr is the address
// metadata a prior Recv returned, used to re-inject a captured packet
// exactly as received; a nil or mismatched-length addr falls back to a
// zeroed address, which WinDivertSend accepts for synthesizing a new
// inbound packet.
func (h *winDivertHandle) Send(rawPacket []byte, addr []byte) error {
	var a [addrSize]byte
	if len(addr) == addrSize {
		copy(a[:], addr)
	}
	var sendLen uint32

	r1, _, errno := procSend.Call(
		h.handle,
		uintptr(unsafe.Pointer(&rawPacket[0])),
		uintptr(len(rawPacket)),
		uintptr(unsafe.Pointer(&sendLen)),
		uintptr(unsafe.Pointer(&a[0])),
	)
	if r1 == 0 {
		return fmt.Errorf("capture: WinDivertSend failed: %v", errno)
	}
	return nil
}

func (h *winDivertHandle) Close() error {
	r1, _, errno := procClose.Call(h.handle)
	if r1 == 0 {
		return fmt.Errorf("capture: WinDivertClose failed: %v", errno)
	}
	return nil
}

const invalidHandleValue = ^uintptr(0)
