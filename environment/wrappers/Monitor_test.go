package wrappers

import (
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/godotppo/environment"
	"github.com/samuelfneumann/godotppo/experiment/trackers"
	ts "github.com/samuelfneumann/godotppo/timestep"
)

// countdown ends each episode after length steps with reward 1 per step
type countdown struct {
	length int
	step   int
	closed bool
}

func (c *countdown) Reset() (ts.TimeStep, error) {
	c.step = 0
	return ts.New(ts.First, 0, 1, mat.NewVecDense(1, nil), 0), nil
}

func (c *countdown) Step(*mat.VecDense) (ts.TimeStep, bool, error) {
	c.step++
	t := ts.Mid
	if c.step >= c.length {
		t = ts.Last
	}
	return ts.New(t, 1, 1, mat.NewVecDense(1, nil), c.step), t == ts.Last, nil
}

func (c *countdown) ObservationSpec() environment.Spec {
	return environment.NewUnboundedSpec(1, environment.Observation)
}

func (c *countdown) ActionSpec() environment.Spec {
	return environment.NewBoxSpec(1, environment.Action, -1, 1)
}

func (c *countdown) Close() error {
	c.closed = true
	return nil
}

func TestMonitor(t *testing.T) {
	Convey("Given a monitored environment with 3 step episodes", t, func() {
		inner := &countdown{length: 3}
		m := NewMonitor(inner)
		action := mat.NewVecDense(1, nil)

		Convey("Two full episodes are recorded", func() {
			for ep := 0; ep < 2; ep++ {
				_, err := m.Reset()
				So(err, ShouldBeNil)

				done := false
				var step ts.TimeStep
				for !done {
					step, done, err = m.Step(action)
					So(err, ShouldBeNil)
				}
				stats, ok := step.Info[EpisodeKey].(EpisodeStats)
				So(ok, ShouldBeTrue)
				So(stats.Reward, ShouldEqual, 3.0)
				So(stats.Length, ShouldEqual, 3)
			}

			So(m.EpisodeRewards(), ShouldResemble, []float64{3, 3})
			So(m.EpisodeLengths(), ShouldResemble, []int{3, 3})
			So(len(m.EpisodeTimes()), ShouldEqual, 2)
			So(m.TotalSteps(), ShouldEqual, 6)

			Convey("And can be saved to disk", func() {
				dir := t.TempDir()
				So(m.Save(dir), ShouldBeNil)

				data, err := trackers.LoadData(filepath.Join(dir,
					"episode_returns.bin"))
				So(err, ShouldBeNil)
				So(data, ShouldResemble, []float64{3, 3})
			})
		})

		Convey("A reset mid-episode discards the unfinished episode", func() {
			m.Reset()
			m.Step(action)
			m.Reset()
			for i := 0; i < 3; i++ {
				m.Step(action)
			}
			So(m.EpisodeRewards(), ShouldResemble, []float64{3})
		})

		Convey("Close closes the wrapped environment", func() {
			So(m.Close(), ShouldBeNil)
			So(inner.closed, ShouldBeTrue)
		})
	})
}
