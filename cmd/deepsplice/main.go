// Command deepsplice trains the patch classifier and classifies images with a saved model.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/NemoCpp/deep-splicing/img"
	"github.com/NemoCpp/deep-splicing/logging"
	"github.com/NemoCpp/deep-splicing/nnet"
	"github.com/NemoCpp/deep-splicing/pipeline"
	"github.com/NemoCpp/deep-splicing/rundb"
	"github.com/NemoCpp/deep-splicing/web"
	arg "github.com/alexflint/go-arg"
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

type runFlags struct {
	Config    string   `arg:"-c,--config" help:"settings file in JSON or YAML format"`
	NetConfig string   `arg:"--net-config" help:"network config file, replaces the settings Net section"`
	Folder    string   `arg:"--folder" help:"working folder for the saved model and results"`
	Epochs    int      `arg:"--epochs" help:"number of training epochs"`
	Batch     int      `arg:"--batch" help:"training batch size"`
	LogLevel  string   `arg:"--log-level" help:"debug, info, warn or error"`
	Set       []string `arg:"--set,separate" help:"network config override as Key=Value"`
}

type trainCmd struct {
	runFlags
	Train    string `arg:"--train" help:"CSV list of training images with path and label columns"`
	Test     string `arg:"--test" help:"CSV list of test images"`
	Topology string `arg:"--topology" help:"sequential or graph"`
	DB       string `arg:"--db" help:"sqlite database to record the run"`
	Web      string `arg:"--web" help:"address to serve the training monitor, e.g. localhost:8080"`
	Progress bool   `arg:"--progress" help:"show progress while extracting patches"`
	Wait     bool   `arg:"--wait" help:"keep serving the monitor after the run until interrupted"`
}

type predictCmd struct {
	runFlags
	List string `arg:"positional,required" help:"CSV list of images to classify"`
	Out  string `arg:"-o,--out" help:"write results to this CSV file"`
}

type initCmd struct {
	Out      string `arg:"positional,required" help:"settings file to create, .json or .yaml"`
	Topology string `arg:"--topology" help:"sequential or graph"`
}

type listCmd struct {
	Out string   `arg:"positional,required" help:"CSV image list to create"`
	Neg []string `arg:"--neg,separate" help:"folder of images with label 0"`
	Pos []string `arg:"--pos,separate" help:"folder of images with label 1"`
}

type summaryCmd struct {
	Results string `arg:"positional,required" help:"results CSV written by train or predict"`
}

type runsCmd struct {
	DB string `arg:"positional,required" help:"sqlite run database"`
	ID int64  `arg:"positional,required" help:"run id"`
}

type hashCmd struct {
	Password string `arg:"positional,required"`
}

type args struct {
	Train   *trainCmd   `arg:"subcommand:train" help:"train a model and classify the test images"`
	Predict *predictCmd `arg:"subcommand:predict" help:"classify images with a saved model"`
	Init    *initCmd    `arg:"subcommand:init" help:"write the default settings"`
	List    *listCmd    `arg:"subcommand:list" help:"write an image list from folders of label 0 and label 1 images"`
	Summary *summaryCmd `arg:"subcommand:summary" help:"print the accuracy from a results file"`
	Runs    *runsCmd    `arg:"subcommand:runs" help:"show a training run from the run database"`
	Hash    *hashCmd    `arg:"subcommand:hash" help:"print the bcrypt hash of a web password"`
}

func (args) Description() string {
	return "deepsplice classifies images by majority vote over CNN predictions for square patches\n"
}

func main() {
	var a args
	p := arg.MustParse(&a)
	var err error
	switch {
	case a.Train != nil:
		err = train(a.Train)
	case a.Predict != nil:
		err = predict(a.Predict)
	case a.Init != nil:
		err = initSettings(a.Init)
	case a.List != nil:
		err = writeList(a.List)
	case a.Summary != nil:
		err = summary(a.Summary)
	case a.Runs != nil:
		err = showRun(a.Runs)
	case a.Hash != nil:
		var hash string
		if hash, err = web.HashPassword(a.Hash.Password); err == nil {
			fmt.Println(hash)
		}
	default:
		p.Fail("missing command: expecting train, predict, init, list, summary, runs or hash")
	}
	if err != nil {
		logging.Named("deepsplice").Error(err)
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}

func loadSettings(f runFlags, o pipeline.Overrides) (pipeline.Settings, error) {
	s := pipeline.DefaultSettings()
	if f.Config != "" {
		var err error
		if s, err = pipeline.LoadSettings(f.Config); err != nil {
			return s, err
		}
	}
	o.WorkingFolder, o.NbEpochs, o.BatchSize, o.LogLevel = f.Folder, f.Epochs, f.Batch, f.LogLevel
	o.NetConfig, o.Set = f.NetConfig, f.Set
	if err := s.ApplyOverrides(o); err != nil {
		return s, err
	}
	if err := logging.SetLevel(s.LogLevel); err != nil {
		return s, err
	}
	return s, s.Validate()
}

func train(c *trainCmd) error {
	s, err := loadSettings(c.runFlags, pipeline.Overrides{
		TrainList: c.Train,
		TestList:  c.Test,
		Topology:  c.Topology,
		Database:  c.DB,
		WebAddr:   c.Web,
		Progress:  c.Progress,
	})
	if err != nil {
		return err
	}
	if s.TrainList == "" || s.TestList == "" {
		return errors.New("training and test image lists are required")
	}
	trainList, err := img.ReadList(s.TrainList)
	if err != nil {
		return err
	}
	testList, err := img.ReadList(s.TestList)
	if err != nil {
		return err
	}
	log := logging.Named("deepsplice")
	log.Infof("train %d images, test %d images", len(trainList), len(testList))

	var mon pipeline.Monitor
	if s.WebAddr != "" {
		var auth *web.AuthMiddleware
		if s.WebUser != "" {
			auth = web.NewAuthMiddleware(s.WebUser, s.WebPasswordHash)
		}
		webMon := web.NewMonitor(s)
		srv, err := web.Serve(s.WebAddr, webMon, auth)
		if err != nil {
			return err
		}
		defer srv.Close()
		mon = webMon
	}
	if _, err = pipeline.Run(s, trainList, testList, mon); err != nil {
		return err
	}
	if mon != nil && c.Wait {
		log.Info("run complete: press Ctrl-C to exit")
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		<-sig
	}
	return nil
}

func predict(c *predictCmd) error {
	s, err := loadSettings(c.runFlags, pipeline.Overrides{})
	if err != nil {
		return err
	}
	list, err := img.ReadList(c.List)
	if err != nil {
		return err
	}
	results, err := pipeline.Predict(s, list)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%s\t%d\t%d:%d", r.Path, r.Predicted, r.Nb0, r.Nb1)
		if r.Uncertain {
			fmt.Print("\tuncertain")
		}
		fmt.Println()
	}
	logSummary(results)
	if c.Out != "" {
		return pipeline.WriteResults(c.Out, results)
	}
	return nil
}

func initSettings(c *initCmd) error {
	s := pipeline.DefaultSettings()
	if c.Topology != "" {
		if _, err := nnet.NewTopology(c.Topology, s.ModelConfig()); err != nil {
			return err
		}
		s.Net.Topology = c.Topology
	}
	if err := s.Save(c.Out); err != nil {
		return err
	}
	logging.Named("deepsplice").Infof("wrote default settings to %s", c.Out)
	return nil
}

func logSummary(results []pipeline.ImageResult) {
	acc, uncertain := pipeline.Summary(results)
	logging.Named("deepsplice").Infof("accuracy %.2f%% over %d images, %d uncertain", 100*acc, len(results), uncertain)
}

func writeList(c *listCmd) error {
	var list []img.LabeledImage
	for label, dirs := range [][]string{c.Neg, c.Pos} {
		for _, dir := range dirs {
			l, err := img.Scan(dir, label)
			if err != nil {
				return err
			}
			list = append(list, l...)
		}
	}
	if len(list) == 0 {
		return errors.New("no images found")
	}
	if err := img.WriteList(c.Out, list); err != nil {
		return err
	}
	logging.Named("deepsplice").Infof("wrote %d images to %s", len(list), c.Out)
	return nil
}

func summary(c *summaryCmd) error {
	results, err := pipeline.ReadResults(c.Results)
	if err != nil {
		return err
	}
	logSummary(results)
	return nil
}

func showRun(c *runsCmd) error {
	db, err := rundb.Open(c.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	run, err := db.GetRun(c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("run %d: %s topology, %d epochs, batch %d, patch %d stride %d, %s parameters, %s\n",
		run.ID, run.Topology, run.Epochs, run.BatchSize, run.PatchSize, run.Stride,
		humanize.Comma(int64(run.ParamCount)), run.Status)
	epochs, err := db.Epochs(c.ID)
	if err != nil {
		return err
	}
	for _, e := range epochs {
		fmt.Printf("epoch %3d: loss %.4f valid loss %.4f valid error %5.2f%% [%s]\n",
			e.Epoch, e.Loss, e.ValidLoss, 100*e.ValidError, e.Elapsed.Round(time.Millisecond))
	}
	acc, err := db.Accuracy(c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("accuracy: %.2f%%\n", 100*acc)
	return nil
}
