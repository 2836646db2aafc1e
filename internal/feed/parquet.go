package feed

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

// parquetBarRow 映射 per-symbol 表结构。ts 是 INT64 timestamp
//（pandas/pyarrow 默认写 ns，按数量级归一）。
type parquetBarRow struct {
	Ts     int64   `parquet:"ts"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume float64 `parquet:"volume"`
}

type parquetReader struct {
	path   string
	chunk  int
	file   *os.File
	reader *parquet.GenericReader[parquetBarRow]
	buf    []parquetBarRow
	bufPos int
	bufLen int
	number int
	eof    bool
}

func newParquetReader(path string, chunk int) (*parquetReader, error) {
	r := &parquetReader{path: path, chunk: chunk}
	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *parquetReader) reset() error {
	if r.reader != nil {
		_ = r.reader.Close()
	}
	if r.file != nil {
		_ = r.file.Close()
	}
	file, err := os.Open(r.path)
	if err != nil {
		return err
	}
	r.file = file
	r.reader = parquet.NewGenericReader[parquetBarRow](file)
	if r.buf == nil {
		size := r.chunk
		if size > 65_536 {
			size = 65_536
		}
		r.buf = make([]parquetBarRow, size)
	}
	r.bufPos, r.bufLen, r.number = 0, 0, 0
	r.eof = false
	return nil
}

func (r *parquetReader) next() (rawRow, bool, error) {
	if r.bufPos >= r.bufLen {
		if r.eof {
			return rawRow{}, false, nil
		}
		n, err := r.reader.Read(r.buf)
		if err == io.EOF {
			r.eof = true
		} else if err != nil {
			return rawRow{}, false, fmt.Errorf("读取 parquet 失败 (%s): %w", r.path, err)
		}
		if n == 0 {
			return rawRow{}, false, nil
		}
		r.bufPos, r.bufLen = 0, n
	}
	row := r.buf[r.bufPos]
	r.bufPos++
	r.number++
	return rawRow{
		ts:     fromEpoch(row.Ts),
		open:   row.Open,
		high:   row.High,
		low:    row.Low,
		close:  row.Close,
		volume: row.Volume,
		number: r.number,
	}, true, nil
}

func (r *parquetReader) close() error {
	if r.reader != nil {
		_ = r.reader.Close()
	}
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
