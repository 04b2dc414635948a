package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/fair-daq/picodaq"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets the acquisition defaults.
func setupViper() error {
	viper.SetDefault("samprate", 1e6)
	viper.SetDefault("buffersize", 8192)
	viper.SetDefault("nrbuffers", 64)
	viper.SetDefault("pollrate", 0.001)
	viper.SetDefault("channels", []string{"A"})
	viper.SetDefault("range", 5.0)
	viper.SetDefault("duration", "10s")
	viper.SetDefault("statusport", picodaq.Ports.Status)

	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist("$HOME/.picodaq", filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath("/etc/picodaq")
	viper.AddConfigPath("$HOME/.picodaq")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probLogger := log.New(os.Stderr, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func configureBlock(blk *picodaq.Block) error {
	if err := blk.SetSampRate(viper.GetFloat64("samprate")); err != nil {
		return err
	}
	if err := blk.SetBufferSize(viper.GetInt("buffersize")); err != nil {
		return err
	}
	if err := blk.SetNrBuffers(viper.GetInt("nrbuffers")); err != nil {
		return err
	}
	if err := blk.SetStreaming(viper.GetFloat64("pollrate")); err != nil {
		return err
	}
	rng := viper.GetFloat64("range")
	for _, id := range viper.GetStringSlice("channels") {
		if err := blk.SetAichan(id, true, rng, true, 0); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	fmt.Printf("This is picodaq version %s.\n", picodaq.Build.Version)
	flag.Parse()

	if err := setupViper(); err != nil {
		log.Fatal(err)
	}
	logname, err := makeFileExist("$HOME/.picodaq/logs", "problems.log")
	if err != nil {
		log.Fatal(err)
	}
	picodaq.ProblemLogger = startLogger(logname)

	drv := &picodaq.SimDriver{}
	blk := picodaq.NewBlock(drv, picodaq.MaxAIChannels, 2, true)
	if err := configureBlock(blk); err != nil {
		log.Fatal(err)
	}
	updates := make(chan picodaq.ClientUpdate, 16)
	blk.PublishStatusTo(updates)

	duration := viper.GetDuration("duration")
	statusPort := viper.GetInt("statusport")

	sigCtx, unregister := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer unregister()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return picodaq.RunClientUpdater(updates, gctx.Done(), statusPort)
	})
	g.Go(func() error {
		// Unblock a Work call parked on the application buffer when the
		// run ends or a signal arrives.
		<-gctx.Done()
		blk.Stop()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		if !blk.Start() {
			return fmt.Errorf("start failed: %s", blk.ConfigureErrorMessage())
		}
		defer blk.Stop()

		bufSize := viper.GetInt("buffersize")
		slots := blk.MakeOutputSlots(bufSize)
		deadline := time.Now().Add(duration)
		chunks := 0
		for time.Now().Before(deadline) {
			n := blk.Work(bufSize, slots)
			if n < 0 {
				break
			}
			if n == 0 {
				continue
			}
			chunks++
			for i := range slots {
				slots[i].Tags = slots[i].Tags[:0]
			}
		}
		log.Printf("acquired %d chunks in %v", chunks, duration)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}
