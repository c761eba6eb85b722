package core

import (
	"sync"
	"time"

	"gemini-gateway/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AsyncLogSink 异步日志落地
// 请求/错误日志先进缓冲通道，后台 worker 批量入库，
// 队列满时丢弃而不是阻塞业务
type AsyncLogSink struct {
	db        *gorm.DB
	logger    *logrus.Logger
	reqChan   chan *models.RequestLog
	errChan   chan *models.ErrorLog
	batchSize int
	flushTime time.Duration
	keepRows  int
	wg        sync.WaitGroup
	quit      chan struct{}
}

// NewAsyncLogSink 创建异步日志记录器并启动后台 worker
func NewAsyncLogSink(db *gorm.DB, logger *logrus.Logger) *AsyncLogSink {
	l := &AsyncLogSink{
		db:        db,
		logger:    logger,
		reqChan:   make(chan *models.RequestLog, 1000),
		errChan:   make(chan *models.ErrorLog, 1000),
		batchSize: 100,
		flushTime: 5 * time.Second,
		keepRows:  1000, // 每张日志表只保留最新 N 条
		quit:      make(chan struct{}),
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
	return l
}

// RecordRequest 实现 LogSink
func (l *AsyncLogSink) RecordRequest(entry *models.RequestLog) {
	select {
	case l.reqChan <- entry:
	default:
		l.logger.Warn("Request log channel full, dropping entry")
	}
}

// RecordError 实现 LogSink
func (l *AsyncLogSink) RecordError(entry *models.ErrorLog) {
	select {
	case l.errChan <- entry:
	default:
		l.logger.Warn("Error log channel full, dropping entry")
	}
}

// workerLoop 核心循环：按批量大小或定时器刷新
func (l *AsyncLogSink) workerLoop() {
	var reqBatch []*models.RequestLog
	var errBatch []*models.ErrorLog

	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case entry := <-l.reqChan:
			reqBatch = append(reqBatch, entry)
			if len(reqBatch) >= l.batchSize {
				l.flushRequests(reqBatch)
				reqBatch = nil
			}
		case entry := <-l.errChan:
			errBatch = append(errBatch, entry)
			if len(errBatch) >= l.batchSize {
				l.flushErrors(errBatch)
				errBatch = nil
			}
		case <-timer.C:
			if len(reqBatch) > 0 {
				l.flushRequests(reqBatch)
				reqBatch = nil
			}
			if len(errBatch) > 0 {
				l.flushErrors(errBatch)
				errBatch = nil
			}
		case <-l.quit:
			// 关停前先清空通道里排队的条目
			for {
				select {
				case entry := <-l.reqChan:
					reqBatch = append(reqBatch, entry)
					continue
				default:
				}
				break
			}
			for {
				select {
				case entry := <-l.errChan:
					errBatch = append(errBatch, entry)
					continue
				default:
				}
				break
			}
			if len(reqBatch) > 0 {
				l.flushRequests(reqBatch)
			}
			if len(errBatch) > 0 {
				l.flushErrors(errBatch)
			}
			return
		}
	}
}

func (l *AsyncLogSink) flushRequests(batch []*models.RequestLog) {
	if err := l.db.CreateInBatches(batch, len(batch)).Error; err != nil {
		l.logger.Errorf("Failed to flush request logs: %v", err)
	}
	l.prune(&models.RequestLog{})
}

func (l *AsyncLogSink) flushErrors(batch []*models.ErrorLog) {
	if err := l.db.CreateInBatches(batch, len(batch)).Error; err != nil {
		l.logger.Errorf("Failed to flush error logs: %v", err)
	}
	l.prune(&models.ErrorLog{})
}

// prune 严格清理：只保留最新 keepRows 条，防止日志表膨胀
func (l *AsyncLogSink) prune(model interface{}) {
	var count int64
	l.db.Model(model).Count(&count)
	if count <= int64(l.keepRows) {
		return
	}

	var pivotID uint
	l.db.Model(model).Select("id").Order("id desc").
		Offset(l.keepRows).Limit(1).Scan(&pivotID)
	if pivotID > 0 {
		l.db.Where("id <= ?", pivotID).Delete(model)
	}
}

// Close 关闭并刷新剩余日志
func (l *AsyncLogSink) Close() {
	close(l.quit)
	l.wg.Wait()
}
