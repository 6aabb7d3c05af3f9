package models

import (
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

const intakeLockTimeoutSeconds = 30

func intakeLockName(purchaseOrderId string) string {
	return fmt.Sprintf("qc-intake:%s", purchaseOrderId)
}

// acquireIntakeLock serializes inventory intake per purchase order across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so tx must run on the connection that is released later.
func acquireIntakeLock(tx *gorm.DB, purchaseOrderId string) error {
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, ?)", intakeLockName(purchaseOrderId), intakeLockTimeoutSeconds).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("%w: purchase_order_id=%s", ErrPurchaseOrderLocked, purchaseOrderId)
	}
	return nil
}

func releaseIntakeLock(conn *gorm.DB, purchaseOrderId string) {
	var _ok int
	_ = conn.Raw("SELECT RELEASE_LOCK(?)", intakeLockName(purchaseOrderId)).Scan(&_ok).Error
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
