package main

import (
	"os"

	"github.com/jessevdk/go-flags"
)

type Options struct {
	Redis string `long:"redis" short:"r" default:"127.0.0.1:6379" description:"Redis address"`

	Status     StatusCommand     `command:"status" description:"Show the cleaning unit status"`
	Start      StartCommand      `command:"start" description:"Lower the tools and start cleaning"`
	Stop       StopCommand       `command:"stop" description:"Stop cleaning and raise the tools"`
	ClearError ClearErrorCommand `command:"clear-error" description:"Clear a cleaning error"`
	Device     DeviceCommand     `command:"device" description:"Operate single device groups"`
	Safety     SafetyCommand     `command:"safety" description:"Send a safety request"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "cleaning-ctl - operator CLI for the cleaning unit service"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
