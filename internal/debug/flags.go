package debug

import (
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"gopkg.in/urfave/cli.v1"
)

var (
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Usage: "日志级别: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	vmoduleFlag = cli.StringFlag{
		Name:  "vmodule",
		Usage: "每个模块的日志级别：逗号分开的配置列表(e.g. mininode/*=5,p2p=4)",
		Value: "",
	}
)

// Flags are the logging flags shared by the commands.
var Flags = []cli.Flag{
	verbosityFlag,
	vmoduleFlag,
}

// NewHandler returns a glog handler writing terminal formatted records to w.
func NewHandler(w io.Writer) *log.GlogHandler {
	useColor := false
	if f, ok := w.(*os.File); ok {
		useColor = isatty.IsTerminal(f.Fd()) && os.Getenv("TERM") != "dumb"
	}
	return log.NewGlogHandler(log.NewTerminalHandler(w, useColor))
}

// Setup installs the root logger configured by the command line.
func Setup(ctx *cli.Context) error {
	glogger := NewHandler(os.Stderr)
	// 设置 filter
	glogger.Verbosity(log.FromLegacyLevel(ctx.GlobalInt(verbosityFlag.Name)))
	if err := glogger.Vmodule(ctx.GlobalString(vmoduleFlag.Name)); err != nil {
		return fmt.Errorf("invalid --%s: %w", vmoduleFlag.Name, err)
	}
	// 将 root logger 进行 glog 包装
	log.SetDefault(log.NewLogger(glogger))
	return nil
}
