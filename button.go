package camstream

import (
	"bufio"
	"sync/atomic"
	"time"

	"github.com/brutella/hc/log"
	rpi "github.com/nathan-osman/go-rpigpio"
)

// Button triggers onPressed from a GPIO push button or, where there is no
// GPIO, from a line typed on stdin.
type Button struct {
	buttonExit       atomic.Bool
	gpio             int
	stdinScanner     *bufio.Scanner
	runButtonPressed func()
}

func NewButton(gpio int, scanner *bufio.Scanner, onPressed func()) *Button {
	return &Button{
		gpio:             gpio,
		stdinScanner:     scanner,
		runButtonPressed: onPressed,
	}
}

// StartGPIO polls the pin until Stop. It fails only if the pin cannot be
// opened.
func (b *Button) StartGPIO() error {
	p, err := rpi.OpenPin(b.gpio, rpi.IN)
	if err != nil {
		return err
	}
	defer p.Close()

	var d debouncer
	for !b.buttonExit.Load() {
		v, err := p.Read()
		if err != nil {
			log.Debug.Println("gpio read:", err)
		} else if d.update(int(v)) {
			b.pressed()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// to activate the button without GPIO just write something
// on terminal and press enter
func (b *Button) StartStdin() {
	for !b.buttonExit.Load() && b.stdinScanner.Scan() {
		if len(b.stdinScanner.Text()) != 0 {
			b.pressed()
		}
	}
}

func (b *Button) pressed() {
	log.Debug.Println(">>> Someone pressed the button <<<")
	go b.runButtonPressed()
}

func (b *Button) Stop() {
	b.buttonExit.Store(true)
}

// debouncer reports a press when the pin returns high after being pulled
// low. The pin has an external pull-up.
type debouncer struct {
	c int
}

func (d *debouncer) update(v int) bool {
	if v == 0 {
		d.c = 2
	}
	if d.c > 0 {
		d.c--
		return d.c == 0 && v == 1
	}
	return false
}
